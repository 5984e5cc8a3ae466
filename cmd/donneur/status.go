package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, donneur.DefaultBaseURL))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(redis pub/sub)"))
		fmt.Printf("  Redis URL:    %s\n", valueOrDefault(cfg.Default.RedisURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User:         %s (%s)\n", valueOrDefault(cfg.Auth.DisplayName, "-"), cfg.Auth.UserID)
			fmt.Printf("  Role:         %s\n", valueOrDefault(cfg.Auth.Role, "(unknown)"))
		} else {
			fmt.Println("  User:         (not logged in)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenState(cfg, time.Now())
		}
		fmt.Printf("  Token:        %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")

		client := donneur.NewClient(cfg.Auth.Token, clientOptions(cfg, newLogger(cfg))...)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		info, err := client.Auth.Authenticate(ctx)
		if err != nil {
			var apiErr *donneur.APIError
			if errors.As(err, &apiErr) && apiErr.Unauthorized() {
				fmt.Println("  Token rejected by the backend. Run 'donneur init <token>' again.")
				return nil
			}
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Account:      %s\n", info.ID)
		fmt.Printf("  Role:         %s\n", info.Role)
		if info.Role == donneur.RoleReceiver {
			if bal, err := client.Receivers.Balance(ctx); err == nil {
				fmt.Printf("  Balance:      %.2f\n", bal)
			}
		}
		return nil
	},
}

func tokenState(cfg *Config, now time.Time) string {
	s, err := donneur.NewSession(donneur.User{ID: valueOrDefault(cfg.Auth.UserID, "-")}, cfg.Auth.Token)
	if err != nil {
		return "present"
	}
	exp := s.ExpiresAt()
	switch {
	case exp.IsZero():
		return "present (no expiry)"
	case s.Expired(now):
		return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
	default:
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	}
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
