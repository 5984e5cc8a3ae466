package main

import (
	"fmt"
	"os"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

func init() {
	configShowCmd.Flags().BoolVar(&showSecrets, "secrets", false, "Print the token unmasked")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage donneur configuration",
	Long: "View or modify the donneur CLI configuration stored in ~/.donneur/config.toml.\n" +
		"Every key can be overridden by a DONNEUR_* environment variable or a .env file.",
}

// configEntry is one effective setting and where it came from.
type configEntry struct {
	Key    string
	Value  string
	Source string
}

// describeConfig resolves every key the way loadConfig does and records
// the winning source: the environment, the file, a built-in default or none.
func describeConfig(file *Config, lookup func(string) (string, bool)) []configEntry {
	defaults := map[string]string{
		"default.base_url":  donneur.DefaultBaseURL,
		"default.log_level": "warn",
	}
	out := make([]configEntry, 0, len(configKeys))
	for _, key := range configKeys {
		e := configEntry{Key: key, Source: "unset"}
		if v, ok := lookup(envName(key)); ok && v != "" {
			e.Value, e.Source = v, "env "+envName(key)
		} else if v, _ := getConfigValue(file, key); v != "" {
			e.Value, e.Source = v, "file"
		} else if v, ok := defaults[key]; ok {
			e.Value, e.Source = v, "default"
		}
		if key == "auth.token" && e.Value != "" && !showSecrets {
			e.Value = maskKey(e.Value)
		}
		out = append(out, e)
	}
	return out
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		fmt.Printf("Config file: %s\n\n", path)
		for _, e := range describeConfig(file, os.LookupEnv) {
			fmt.Printf("  %-22s %-40s (%s)\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: donneur config set default.redis_url redis://localhost:6379/0",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// environment overrides must not leak into the file
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		if v, ok := os.LookupEnv(envName(key)); ok && v != "" {
			fmt.Fprintf(os.Stderr, "note: %s is set and overrides this value\n", envName(key))
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
