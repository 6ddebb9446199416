package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/invoice-engine/config"
	"github.com/warp/invoice-engine/pricing"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect pricing rule files",
	}
	cmd.AddCommand(newRulesHashCmd(), newRulesPriceCmd())
	return cmd
}

func newRulesHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the merged rule set version and content hash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := pricing.LoadFiles(args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d\nhash    %s\n", rules.Version, rules.Hash)
			return nil
		},
	}
}

func newRulesPriceCmd() *cobra.Command {
	var (
		files []string
		at    string
	)
	cmd := &cobra.Command{
		Use:   "price <rate_code> <qty>",
		Short: "Price one unit of work and print the step-by-step breakdown",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid qty %q: %w", args[1], err)
			}
			when := time.Now().UTC()
			if at != "" {
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			if len(files) == 0 {
				files = splitList(config.FromViper(settings).RulesPath)
			}
			rules, err := pricing.LoadFiles(files...)
			if err != nil {
				return err
			}
			exp, err := pricing.Explain(rules, pricing.ExplainInput{RateCode: args[0], Qty: qty, At: when})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(exp)
		},
	}
	cmd.Flags().StringSliceVar(&files, "rules", nil, "rule files (default from INVOICE_RULES)")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time of the work (default now)")
	return cmd
}
