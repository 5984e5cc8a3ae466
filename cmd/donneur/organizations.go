package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	orgCmd.AddCommand(orgListCmd, orgShowCmd)
	rootCmd.AddCommand(orgCmd)
}

var orgCmd = &cobra.Command{
	Use:     "organizations",
	Aliases: []string{"orgs"},
	Short:   "Browse shelters and other organizations",
}

var orgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List organizations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		orgs, err := client.Organizations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(orgs) == 0 {
			fmt.Println("No organizations.")
			return nil
		}
		for _, o := range orgs {
			fmt.Printf("%-24s %-30s %s\n", o.ID, o.Name, o.Address.City)
		}
		return nil
	},
}

var orgShowCmd = &cobra.Command{
	Use:   "show <organization-id>",
	Short: "Show one organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		o, err := client.Organizations.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Name:      %s\n", o.Name)
		if o.Type != "" {
			fmt.Printf("Type:      %s\n", o.Type)
		}
		fmt.Printf("Address:   %s\n", o.Address.Line())
		if o.Phone != "" {
			fmt.Printf("Phone:     %s\n", o.Phone)
		}
		if o.MaxOccupancy > 0 {
			fmt.Printf("Occupancy: %d/%d\n", o.Occupancy, o.MaxOccupancy)
		}
		return nil
	},
}
