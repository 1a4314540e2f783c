package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

var (
	leadsStatus    string
	leadsSyncState string
	leadsLimit     int
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "List stored leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		leads, err := env.Store.ListLeads(ctx, store.LeadFilter{
			Status:    model.LeadStatus(leadsStatus),
			SyncState: model.SyncState(leadsSyncState),
			Limit:     leadsLimit,
		})
		if err != nil {
			return err
		}

		printLeads(leads)
		return nil
	},
}

func init() {
	leadsCmd.Flags().StringVar(&leadsStatus, "status", "", "filter by status: verified, to_check")
	leadsCmd.Flags().StringVar(&leadsSyncState, "sync-state", "", "filter by sync state: pending, synced, failed")
	leadsCmd.Flags().IntVar(&leadsLimit, "limit", 100, "max number of leads to list")
	rootCmd.AddCommand(leadsCmd)
}
