package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	xdgAppName = "flowfocus"
	configFile = "config.json"
	envPrefix  = "FLOWFOCUS"
)

type Config struct {
	// Calendar is the Google Calendar name or ID to read busy time from.
	Calendar string `json:"calendar" mapstructure:"calendar"`
	Database string `json:"database" mapstructure:"database"`
	// Timezone is an IANA name; empty means the system zone.
	Timezone     string `json:"timezone" mapstructure:"timezone"`
	Listen       string `json:"listen" mapstructure:"listen"`
	User         string `json:"user" mapstructure:"user"`
	FitAwareNext bool   `json:"fit_aware_next" mapstructure:"fit_aware_next"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Calendar: "primary",
		Database: filepath.Join(home, ".config", xdgAppName, "flowfocus.db"),
		Listen:   "127.0.0.1:5000",
		User:     "default",
	}
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName, configFile), nil
}

// Load reads the config file from the default path. See LoadFrom.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads path, falling back to defaults for missing keys or a
// missing file. Every key can be overridden with FLOWFOCUS_<KEY>.
func LoadFrom(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("calendar", def.Calendar)
	v.SetDefault("database", def.Database)
	v.SetDefault("timezone", def.Timezone)
	v.SetDefault("listen", def.Listen)
	v.SetDefault("user", def.User)
	v.SetDefault("fit_aware_next", def.FitAwareNext)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Calendar == "" {
		cfg.Calendar = def.Calendar
	}
	if cfg.User == "" {
		cfg.User = def.User
	}
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

func SaveTo(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file for writing: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}
