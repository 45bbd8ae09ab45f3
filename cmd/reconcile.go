package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/app"
	"github.com/parleyhq/parley/internal/config"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass",
	Long: `Materializes vector records for assistant turns that lack them, then
backfills missing embeddings. The serve command runs the same pass on a
schedule; this command is for operators who want one pass now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		a, err := app.Setup(cmd.Context(), cfg, app.Options{SkipCron: true})
		if err != nil {
			return fmt.Errorf("setting up application: %w", err)
		}
		defer a.Close()

		report, err := a.Reconciler.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("reconciling: %w", err)
		}

		fmt.Printf("Turn records created: %d\n", report.TurnRecordsCreated)
		fmt.Printf("Embeddings filled:    %d\n", report.EmbeddingsFilled)
		fmt.Printf("Already filled:       %d\n", report.AlreadyFilled)
		fmt.Printf("Embed failures:       %d\n", report.EmbedFailures)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
