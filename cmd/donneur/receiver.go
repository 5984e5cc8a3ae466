package main

import (
	"context"
	"fmt"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

var receiverEmail string

func init() {
	receiverCreateCmd.Flags().StringVar(&receiverEmail, "email", "", "Give the receiver app access through this email")
	receiverCmd.AddCommand(receiverCreateCmd, receiverBalanceCmd, receiverProfileCmd, receiverIDCmd)
	rootCmd.AddCommand(receiverCmd)
}

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Manage receivers",
}

var receiverCreateCmd = &cobra.Command{
	Use:   "create <first-name> <last-name> <dob>",
	Short: "Register a receiver (organizations only)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		id, err := client.Receivers.Create(ctx, donneur.NewReceiver{FirstName: args[0], LastName: args[1], DOB: args[2]})
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Printf("Receiver ID: %s\n", id)
		if receiverEmail != "" {
			if err := client.Receivers.SetEmail(ctx, id, receiverEmail); err != nil {
				return fmt.Errorf("receiver created but email not set: %w", err)
			}
			fmt.Printf("Email:       %s\n", receiverEmail)
		}
		return nil
	},
}

var receiverBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show your balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		bal, err := client.Receivers.Balance(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("%.2f\n", bal)
		return nil
	},
}

var receiverProfileCmd = &cobra.Command{
	Use:   "profile <receiver-id>",
	Short: "Show a receiver's public donation page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		p, err := client.Receivers.DonationProfile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Name:    %s\n", p.Name)
		if p.PictureURL != "" {
			fmt.Printf("Picture: %s\n", p.PictureURL)
		}
		if p.Story != "" {
			fmt.Printf("\n%s\n", p.Story)
		}
		return nil
	},
}

var receiverIDCmd = &cobra.Command{
	Use:   "id <receiver-id>",
	Short: "Check a receiver's identity before a withdrawal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		p, err := client.Receivers.IDProfile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Name:    %s\n", p.Name)
		fmt.Printf("Born:    %s\n", p.DOB)
		fmt.Printf("Balance: %.2f\n", p.Balance)
		if p.PictureURL != "" {
			fmt.Printf("Picture: %s\n", p.PictureURL)
		}
		return nil
	},
}
