package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/sentinel/internal/config"
	"github.com/openclaw/sentinel/internal/defender"
)

var bundleSignKey string

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Inspect and sign policy bundles",
}

var bundleVerifyCmd = &cobra.Command{
	Use:   "verify <bundle.json>",
	Short: "Verify a policy bundle signature against the configured keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "bundle.verify")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading bundle: %w", err)
		}

		env, err := defender.VerifyBundle(raw, cfg.PolicyBundleKey, cfg.PolicyBundleKeys)
		if err != nil {
			return err
		}
		fmt.Printf("OK: bundle version %d verified", env.Version)
		if env.BundleID != "" {
			fmt.Printf(" (bundle id %s)", env.BundleID)
		}
		if env.KeyID != "" {
			fmt.Printf(" (key id %s)", env.KeyID)
		}
		if env.SignedAt != "" {
			fmt.Printf(" (signed at %s)", env.SignedAt)
		}
		fmt.Println()
		return nil
	},
}

var bundleSignCmd = &cobra.Command{
	Use:   "sign <bundle.json>",
	Short: "Print the signature for a bundle document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "bundle.sign")
		defer span.End()

		key := bundleSignKey
		if key == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			key = cfg.PolicyBundleKey
		}
		if key == "" {
			return fmt.Errorf("no signing key: pass --key or set policy_bundle_key")
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading bundle: %w", err)
		}
		sig, err := defender.SignBundle(raw, key)
		if err != nil {
			return err
		}
		fmt.Println(sig)
		return nil
	},
}

func init() {
	bundleSignCmd.Flags().StringVar(&bundleSignKey, "key", "", "signing key (default: policy_bundle_key from config)")
	bundleCmd.AddCommand(bundleVerifyCmd)
	bundleCmd.AddCommand(bundleSignCmd)
	rootCmd.AddCommand(bundleCmd)
}
