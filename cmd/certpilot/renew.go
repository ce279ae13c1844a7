package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/caasmo/certpilot"
)

func renewCmd() *cobra.Command {
	var opts certpilot.RunOptions

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the certificate if needed and install it",
		Long: `Checks the stored certificate, orders a new one when it is missing or
close to expiry, stores it and installs it through the configured panel.
A failed installation ends in manual follow-up and exits 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.orch.Run(cmd.Context(), opts)
			if outcome != nil {
				if werr := writeOutcome(cmd.OutOrStdout(), outcome); werr != nil {
					return werr
				}
				if outcome.Status == certpilot.StatusManualFollowUp {
					a.logger.Warn("certificate must be installed by hand", "reason", outcome.Manual.Reason)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "do not install (see dry_run_mode)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "renew even if the certificate is still valid")
	cmd.Flags().BoolVar(&useStaging, "staging", false, "use the Let's Encrypt staging directory")
	return cmd
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the stored certificate without contacting the CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.orch.InstallLatest(cmd.Context())
			if outcome != nil {
				if werr := writeOutcome(cmd.OutOrStdout(), outcome); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func writeOutcome(w io.Writer, o *certpilot.RunOutcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}
