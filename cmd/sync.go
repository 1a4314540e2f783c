package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single CRM sync pass",
	Long: `Run a single CRM sync pass.

Fetches pending verified leads and pushes them to Salesforce. Leads whose
push fails stay pending until their retry budget is exhausted; after that
they are marked failed and surfaced via "leadflow leads --sync-state failed".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Ping(ctx); err != nil {
			return eris.Wrap(err, "store unreachable")
		}

		scheduler, err := initScheduler(env.Store)
		if err != nil {
			return err
		}

		zap.L().Info("running sync pass")
		res := scheduler.RunOnce(ctx)

		fmt.Printf("Sync complete: %d attempted, %d synced, %d failed\n",
			res.Attempted, res.Synced, res.Failed)
		if res.Aborted {
			fmt.Println("Run aborted early: CRM unreachable, remaining leads left pending")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
