package varmap

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/petr-muller/pace/internal/config"
	"github.com/petr-muller/pace/internal/fieldpath"
)

const (
	mappingsFileName = "mappings.yaml"
)

// FileRule is the on-disk form of one mapping rule.
type FileRule struct {
	Priority int    `yaml:"priority"`
	Path     string `yaml:"path"`
	Type     string `yaml:"type"`
}

// File is the on-disk form of the variable mapping table: variable name to
// candidate rules.
type File struct {
	Variables map[string][]FileRule `yaml:"variables"`
}

// LoadTable loads and compiles the mapping table from the default location.
// A missing file yields an empty table. Malformed namespace expressions fail
// here, at configuration time, and are never silently skipped.
func LoadTable() (*Table, error) {
	mappingsPath := filepath.Join(config.MustPaceConfigDir(), mappingsFileName)
	return LoadTableFromFile(mappingsPath)
}

// LoadTableFromFile loads and compiles the mapping table from the given path.
func LoadTableFromFile(path string) (*Table, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mappings file: %w", err)
	}

	return CompileTable(file)
}

// CompileTable compiles the on-disk form into a resolvable table.
func CompileTable(file File) (*Table, error) {
	mappings := make([]*Mapping, 0, len(file.Variables))
	for name, fileRules := range file.Variables {
		rules := make([]Rule, 0, len(fileRules))
		for i, fileRule := range fileRules {
			path, err := fieldpath.Parse(fileRule.Path)
			if err != nil {
				return nil, fmt.Errorf("variable %q rule %d: %w", name, i, err)
			}
			kind, err := parseKind(fileRule.Type)
			if err != nil {
				return nil, fmt.Errorf("variable %q rule %d: %w", name, i, err)
			}
			rules = append(rules, Rule{Priority: fileRule.Priority, Path: path, Type: kind})
		}
		mappings = append(mappings, NewMapping(name, rules...))
	}
	return NewTable(mappings...), nil
}
