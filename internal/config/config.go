// Package config handles loading and saving the Cfait TOML configuration
// file and resolving XDG-style data/config/cache directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cfait/cfait/internal/apperrors"
)

// Config is the on-disk TOML configuration.
type Config struct {
	URL                    string              `toml:"url"`
	Username               string              `toml:"username"`
	Password               string              `toml:"password"`
	AllowInsecureCerts     bool                `toml:"allow_insecure_certs"`
	DefaultCalendar        string              `toml:"default_calendar"`
	DisabledCalendars      []string            `toml:"disabled_calendars"`
	HideCompleted          bool                `toml:"hide_completed"`
	HideFullyCompletedTags bool                `toml:"hide_fully_completed_tags"`
	SortCutoffMonths       int                 `toml:"sort_cutoff_months"`
	TagAliases             map[string][]string `toml:"tag_aliases"`
}

// DefaultSortCutoffMonths is the distance at which a due date drops into
// the "far" sort bucket.
const DefaultSortCutoffMonths = 6

// DefaultConfig returns a Config with sensible defaults for a fresh install.
func DefaultConfig() *Config {
	return &Config{
		SortCutoffMonths: DefaultSortCutoffMonths,
		TagAliases:       map[string][]string{},
	}
}

// Load loads the configuration from path, or the default XDG path if path
// is empty. A missing file is created with defaults and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.toml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, apperrors.CacheIO(fmt.Errorf("creating default config: %w", err))
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.InvalidInput("invalid config TOML at %s: %v", path, err)
	}

	if cfg.SortCutoffMonths <= 0 {
		cfg.SortCutoffMonths = DefaultSortCutoffMonths
	}
	if cfg.TagAliases == nil {
		cfg.TagAliases = map[string][]string{}
	}
	cfg.Password = ExpandPath(cfg.Password) // no-op unless it starts with "~/" or references an env var

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString("# cfait configuration\n"); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(c)
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return apperrors.InvalidInput("config url must start with http:// or https://: %q", c.URL)
	}
	if c.SortCutoffMonths < 0 {
		return apperrors.InvalidInput("sort_cutoff_months cannot be negative: %d", c.SortCutoffMonths)
	}
	return nil
}

// IsCalendarDisabled reports whether href is listed in disabled_calendars.
func (c *Config) IsCalendarDisabled(href string) bool {
	for _, d := range c.DisabledCalendars {
		if d == href {
			return true
		}
	}
	return false
}

// ExpandTags expands a tag through tag_aliases, returning the tags the
// alias stands for, or []string{tag} if it is not an alias. Idempotent:
// re-expanding an already-expanded tag performs a second lookup that simply
// misses (expanded tags are not themselves alias keys in practice), so
// applying it twice yields the same set as applying it once.
func (c *Config) ExpandTags(tag string) []string {
	if expansion, ok := c.TagAliases[strings.ToLower(tag)]; ok && len(expansion) > 0 {
		return expansion
	}
	return []string{tag}
}

// getXDGDir resolves a directory per the XDG base directory spec: envVar if
// set, else $HOME/fallbackPath, appending the "cfait" application segment.
func getXDGDir(envVar, fallbackPath string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, "cfait")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "cfait")
	}
	return filepath.Join(home, fallbackPath, "cfait")
}

// ConfigDir returns the XDG configuration directory for cfait.
func ConfigDir() string { return getXDGDir("XDG_CONFIG_HOME", ".config") }

// DataDir returns the XDG data directory for cfait (cache/journal live here).
func DataDir() string { return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share")) }

// CacheDir returns the XDG cache directory for cfait.
func CacheDir() string { return getXDGDir("XDG_CACHE_HOME", ".cache") }

// ExpandPath expands a leading "~/" and any $VAR references in path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
