package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/model"
)

var processCmd = &cobra.Command{
	Use:   "process [names...]",
	Short: "Enrich a batch of names and store the results",
	Long: `Enrich a batch of names and store the results.

Names can be passed as separate arguments or as one comma-separated string:

  leadflow process "Peter, Aditi, Ravi"
  leadflow process Peter Aditi Ravi`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Migrate(ctx); err != nil {
			return err
		}

		names := strings.Split(strings.Join(args, ","), ",")
		leads, err := env.Ingest.ProcessBatch(ctx, names)
		if err != nil {
			return err
		}

		printLeads(leads)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func printLeads(leads []model.Lead) {
	fmt.Printf("%-20s %-10s %-12s %-10s %-8s\n", "NAME", "COUNTRY", "PROBABILITY", "STATUS", "SYNC")
	for _, l := range leads {
		country := "-"
		if l.Country != nil {
			country = *l.Country
		}
		probability := "-"
		if l.Probability != nil {
			probability = fmt.Sprintf("%.2f", *l.Probability)
		}
		fmt.Printf("%-20s %-10s %-12s %-10s %-8s\n",
			l.DisplayName, country, probability, l.Status, l.SyncState)
	}
}
