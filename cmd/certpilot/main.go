// Command certpilot obtains, renews and installs ACME certificates for a domain set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/caasmo/certpilot"
)

var (
	configPath string
	envFile    string
	logLevel   string
	useStaging bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "certpilot",
		Short:         "ACME certificate renewal and control panel installation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing default .env is fine, an explicitly named one is not.
			if err := godotenv.Load(envFile); err != nil {
				if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "certpilot.toml", "path to config TOML file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(renewCmd())
	rootCmd.AddCommand(installCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(blueprintCmd())
	rootCmd.AddCommand(secretsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration problems to 2 and every other failure to 1.
func exitCode(err error) int {
	var ce *certpilot.ConfigError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}
