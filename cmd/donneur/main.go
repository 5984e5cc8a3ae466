package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.donneur/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds the endpoints the CLI talks to.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	RedisURL    string `toml:"redis_url"`
	LogLevel    string `toml:"log_level"`
}

// ConfigAuth holds the signed-in account.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Role        string `toml:"role"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configHome overrides ~/.donneur, mostly for tests.
var configHome = os.Getenv("DONNEUR_HOME")

func configDir() (string, error) {
	dir := configHome
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".donneur")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies DONNEUR_* environment
// overrides. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the file contents only; environment overrides are
// never persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

var configKeys = []string{
	"default.base_url",
	"default.realtime_url",
	"default.redis_url",
	"default.log_level",
	"auth.token",
	"auth.user_id",
	"auth.display_name",
	"auth.role",
}

// envName maps "default.redis_url" to DONNEUR_REDIS_URL and "auth.token"
// to DONNEUR_TOKEN.
func envName(key string) string {
	_, field, _ := strings.Cut(key, ".")
	return "DONNEUR_" + strings.ToUpper(field)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, key := range configKeys {
		if v, ok := lookup(envName(key)); ok && v != "" {
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// getConfigValue reads a config field using dot notation.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.realtime_url":
		return cfg.Default.RealtimeURL, nil
	case "default.redis_url":
		return cfg.Default.RedisURL, nil
	case "default.log_level":
		return cfg.Default.LogLevel, nil
	case "auth.token":
		return cfg.Auth.Token, nil
	case "auth.user_id":
		return cfg.Auth.UserID, nil
	case "auth.display_name":
		return cfg.Auth.DisplayName, nil
	case "auth.role":
		return cfg.Auth.Role, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "redis_url":
			cfg.Default.RedisURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		case "role":
			cfg.Auth.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "donneur",
	Short:        "donneur CLI",
	Long:         "Command-line interface for the donneur donation network.\nManage configuration, transfers, the community feed and chats.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	// a .env in the working directory can carry DONNEUR_* overrides
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
