package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var loginDisplayName string

func init() {
	loginCmd.Flags().StringVar(&loginDisplayName, "display-name", "", "Name shown on messages and posts")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Resolve the stored token to an account",
	Long:  "Authenticate the stored token against the backend and remember the account it belongs to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		info, err := client.Auth.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.UserID = info.ID
		cfg.Auth.Role = string(info.Role)
		switch {
		case loginDisplayName != "":
			cfg.Auth.DisplayName = loginDisplayName
		case cfg.Auth.DisplayName == "":
			if name, ok := info.Data["name"].(string); ok {
				cfg.Auth.DisplayName = name
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(cfg.Auth.DisplayName, info.ID), info.Role)
		return nil
	},
}
