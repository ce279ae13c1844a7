package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caasmo/certpilot"
)

func statusCmd() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored certificate, the renewal decision and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			domain := a.cfg.PrimaryDomain()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			bundle, err := a.orch.Bundles().Load(domain)
			switch {
			case errors.Is(err, certpilot.ErrNoCertificate):
				bundle = nil
				fmt.Fprintf(w, "certificate:\tnone stored for %s\n", domain)
			case err != nil:
				return err
			default:
				fmt.Fprintf(w, "certificate:\t%s\n", bundle.Location.Certificate)
				fmt.Fprintf(w, "domains:\t%v\n", bundle.Domains)
				if bundle.NotAfter.IsZero() {
					fmt.Fprintf(w, "not after:\tunreadable\n")
				} else {
					fmt.Fprintf(w, "not after:\t%s\n", bundle.NotAfter.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "pending install:\t%t\n", a.orch.Bundles().PendingInstall(domain))
			}

			d := certpilot.NeedsRenewal(bundle, time.Now(), a.cfg.RenewalDaysBeforeExpiry)
			fmt.Fprintf(w, "renewal due:\t%t (%s)\n", d.Renew, d.Reason)

			last, err := a.orch.LastOutcome(ctx)
			if err != nil {
				return err
			}
			if last != nil {
				fmt.Fprintf(w, "last run:\t%s %s at %s\n", last.Status, last.ID, last.FinishedAt.Format(time.RFC3339))
				if last.Error != "" {
					fmt.Fprintf(w, "last error:\t%s\n", last.Error)
				}
			}

			if a.db != nil && history > 0 {
				runs, err := a.db.History(ctx, domain, history)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "STARTED\tSTATUS\tSTAGE\tREASON\tERROR")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.StartedAt.Format(time.RFC3339), r.Status, r.Stage, r.Decision.Reason, r.Error)
				}

				certs, err := a.db.Certs(ctx, domain, history)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "ISSUED\tEXPIRES\tDOMAINS")
				for _, c := range certs {
					fmt.Fprintf(w, "%s\t%s\t%v\n", c.IssuedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339), c.Domains)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&history, "history", 10, "number of recorded runs and certificates to list")
	return cmd
}
