package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/caasmo/certpilot"
)

func blueprintCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Write a commented example configuration",
		Long: `Generates a blueprint TOML configuration with example values.
Replace the placeholders and keep secrets in the environment or in an
age encrypted secrets file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := certpilot.MarshalTOML(certpilot.BlueprintConfig())
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("write blueprint %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "blueprint written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "certpilot.blueprint.toml", "output file, - for stdout")
	return cmd
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the age encrypted secrets file",
	}

	var recipients []string
	var input, output string
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a plain TOML secrets file for the given age recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read %s: %w", input, err)
			}
			var s certpilot.Secrets
			if err := toml.Unmarshal(plain, &s); err != nil {
				return fmt.Errorf("parse %s: %w", input, err)
			}
			enc, err := certpilot.EncryptSecrets(&s, recipients...)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, enc, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "secrets encrypted to %s\n", output)
			return nil
		},
	}
	encrypt.Flags().StringSliceVarP(&recipients, "recipient", "r", nil, "age recipient (age1...), repeatable")
	encrypt.Flags().StringVarP(&input, "in", "i", "", "plain TOML secrets file")
	encrypt.Flags().StringVarP(&output, "out", "o", "secrets.age", "encrypted output file")
	_ = encrypt.MarkFlagRequired("recipient")
	_ = encrypt.MarkFlagRequired("in")

	var identity, file string
	check := &cobra.Command{
		Use:   "check",
		Short: "Decrypt the secrets file and list which secrets are set",
		RunE: func(cmd *cobra.Command, args []string) error {
			idData, err := os.ReadFile(identity)
			if err != nil {
				return fmt.Errorf("read %s: %w", identity, err)
			}
			enc, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			s, err := certpilot.DecryptSecrets(enc, idData)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cloudflare_api_token: %t\n", s.CloudflareAPIToken != "")
			fmt.Fprintf(out, "panel_password: %t\n", s.PanelPassword != "")
			fmt.Fprintf(out, "panel_api_token: %t\n", s.PanelAPIToken != "")
			fmt.Fprintf(out, "trigger_token: %t\n", s.TriggerToken != "")
			return nil
		},
	}
	check.Flags().StringVar(&identity, "identity", "", "age identity file")
	check.Flags().StringVar(&file, "file", "secrets.age", "encrypted secrets file")
	_ = check.MarkFlagRequired("identity")

	cmd.AddCommand(encrypt, check)
	return cmd
}
