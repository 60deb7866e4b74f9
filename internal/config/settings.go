package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings are the tool-level options, as opposed to per-profile query
// definitions. They come from config.yaml in the pace config directory and
// can be overridden via PACE_* environment variables.
type Settings struct {
	// DatabasePath is the location of the snapshot database.
	DatabasePath string `mapstructure:"database-path"`
	// DeltaRatioThreshold is the delta-to-snapshot size ratio at or above
	// which an incremental sync falls back to a full refresh. The 20%
	// default is a fixed heuristic carried over from observed behavior,
	// kept configurable on purpose.
	DeltaRatioThreshold float64 `mapstructure:"delta-ratio-threshold"`
	// FetchParallelism bounds concurrent changelog completion requests.
	FetchParallelism int `mapstructure:"fetch-parallelism"`
	// ChangelogPageSize is the page size at which a search-embedded
	// changelog is considered possibly truncated and re-fetched in full.
	ChangelogPageSize int `mapstructure:"changelog-page-size"`
}

// LoadSettings reads settings from the pace config directory, applying
// defaults for anything unset. A missing config file is not an error.
func LoadSettings() (*Settings, error) {
	dataDir, err := PaceDataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine data directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(MustPaceConfigDir())

	v.SetEnvPrefix("PACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("database-path", filepath.Join(dataDir, "snapshots.db"))
	v.SetDefault("delta-ratio-threshold", 0.2)
	v.SetDefault("fetch-parallelism", 4)
	v.SetDefault("changelog-page-size", 100)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	return &settings, nil
}
