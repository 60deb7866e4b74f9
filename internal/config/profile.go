package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// profilesDirName is the subdirectory of the config dir holding query profiles
	profilesDirName = "profiles"
)

// Profile is one configured query: the scope unit for cached snapshots. The
// profile name doubles as the snapshot scope.
type Profile struct {
	Name string `yaml:"name"`
	// Filter is the JQL expression selecting the issue corpus.
	Filter string `yaml:"filter"`
	// LookbackDays bounds how far back the corpus reaches.
	LookbackDays int `yaml:"lookback_days"`
	// BucketBy names the mapped variables whose timestamps assign issues
	// to aggregate buckets; a change to any of them dirties the affected
	// buckets.
	BucketBy []string `yaml:"bucket_by"`
}

// Validate checks the profile for the mistakes a config file can contain.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if strings.TrimSpace(p.Filter) == "" {
		return fmt.Errorf("profile %q: filter must not be empty", p.Name)
	}
	if p.LookbackDays <= 0 {
		return fmt.Errorf("profile %q: lookback_days must be positive", p.Name)
	}
	return nil
}

// profileFilePath returns the file path for a given profile name
func profileFilePath(name string) string {
	return filepath.Join(MustPaceConfigDir(), profilesDirName, fmt.Sprintf("%s.yaml", name))
}

// LoadProfile loads a profile by name from the config directory.
func LoadProfile(name string) (*Profile, error) {
	return LoadProfileFromFile(profileFilePath(name))
}

// LoadProfileFromFile loads and validates a profile from the given path.
func LoadProfileFromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}

	if profile.Name == "" {
		profile.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}

	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// SaveProfile writes a profile into the config directory.
func SaveProfile(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	dir := filepath.Join(MustPaceConfigDir(), profilesDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create profiles directory: %w", err)
	}

	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := os.WriteFile(profileFilePath(profile.Name), data, 0644); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}

	return nil
}

// ListProfiles returns the names of all stored profiles.
func ListProfiles() ([]string, error) {
	dir := filepath.Join(MustPaceConfigDir(), profilesDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
		}
	}

	return names, nil
}
