package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/sentinel/internal/config"
	"github.com/openclaw/sentinel/internal/quarantine"
)

var (
	quarantineSession string
	quarantineChannel string
	quarantineLimit   int
	quarantineSince   string
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect the quarantine ledger",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantine records as JSON, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "quarantine.list")
		defer span.End()

		store, err := openLedger()
		if err != nil {
			return err
		}
		defer store.Close()

		var from time.Time
		if quarantineSince != "" {
			from, err = time.Parse(time.RFC3339, quarantineSince)
			if err != nil {
				return fmt.Errorf("parsing --since: %w", err)
			}
		}

		records, err := store.List(ctx, quarantineSession, quarantineChannel, from, time.Time{}, quarantineLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

var quarantineVerifyCmd = &cobra.Command{
	Use:   "verify <record-id>",
	Short: "Verify the HMAC signature of a quarantine record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "quarantine.verify")
		defer span.End()

		store, err := openLedger()
		if err != nil {
			return err
		}
		defer store.Close()

		ok, err := store.Verify(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s failed signature verification", args[0])
		}
		fmt.Printf("OK: record %s signature valid\n", args[0])
		return nil
	},
}

func openLedger() (*quarantine.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := quarantine.NewStore(cfg.QuarantineDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("opening quarantine ledger: %w", err)
	}
	return store, nil
}

func init() {
	quarantineListCmd.Flags().StringVar(&quarantineSession, "session", "", "filter by session key")
	quarantineListCmd.Flags().StringVar(&quarantineChannel, "channel", "", "filter by channel")
	quarantineListCmd.Flags().IntVar(&quarantineLimit, "limit", 100, "maximum records")
	quarantineListCmd.Flags().StringVar(&quarantineSince, "since", "", "only records at or after this RFC3339 timestamp")
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineVerifyCmd)
	rootCmd.AddCommand(quarantineCmd)
}
