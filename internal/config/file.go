package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrFileExists is returned when WriteDefaultFile would overwrite an existing file.
var ErrFileExists = errors.New("config file already exists")

// DefaultDocument returns the defaults as nested TOML tables, with durations spelled the way
// viper parses them back.
func DefaultDocument() map[string]any {
	document := make(map[string]any)
	for key, value := range Defaults() {
		if duration, ok := value.(time.Duration); ok {
			value = duration.String()
		}
		section, name, nested := strings.Cut(key, ".")
		if !nested {
			document[key] = value
			continue
		}
		table, ok := document[section].(map[string]any)
		if !ok {
			table = make(map[string]any)
			document[section] = table
		}
		table[name] = value
	}
	return document
}

// WriteDefaultFile writes the default configuration as TOML. It refuses to replace an
// existing file unless force is set.
func WriteDefaultFile(path string, force bool) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}
	encoded, err := toml.Marshal(DefaultDocument())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, encoded, 0o600)
}
