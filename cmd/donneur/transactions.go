package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var txJSON bool

func init() {
	txListCmd.Flags().BoolVar(&txJSON, "json", false, "Print raw JSON")
	txCmd.AddCommand(txListCmd, txSendCmd, txWithdrawCmd)
	rootCmd.AddCommand(txCmd)
}

var txCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "List and make transfers",
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cfg := mustConfig()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		txs, err := client.Transactions.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if txJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(txs)
		}
		if len(txs) == 0 {
			fmt.Println("No transactions.")
			return nil
		}
		for _, tx := range txs {
			v := tx.View(cfg.Auth.UserID)
			fmt.Printf("%s  %-10s %+9.2f  %s\n", shortTime(v.At), v.Direction, v.Amount, v.Description)
		}
		return nil
	},
}

var txSendCmd = &cobra.Command{
	Use:   "send <receiver-id> <amount>",
	Short: "Send funds to another receiver",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args, "Sent", func(ctx context.Context, id string, amount float64) error {
			return getClient().Transactions.Send(ctx, id, amount)
		})
	},
}

var txWithdrawCmd = &cobra.Command{
	Use:   "withdraw <receiver-id> <amount>",
	Short: "Record a withdrawal at your organization",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args, "Withdrew", func(ctx context.Context, id string, amount float64) error {
			return getClient().Transactions.Withdraw(ctx, id, amount)
		})
	},
}

func transfer(args []string, verb string, do func(context.Context, string, float64) error) error {
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := do(ctx, args[0], amount); err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	fmt.Printf("%s %.2f (%s)\n", verb, amount, args[0])
	return nil
}
