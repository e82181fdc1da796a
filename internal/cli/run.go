package cli

import (
	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
)

func newRunCommand() *cobra.Command {
	var (
		tenantID string
		all      bool
		tableF   string
		fullSync bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an ingestion pass now",
		Long: `Run an ingestion pass now. Each enabled endpoint syncs forward from
its watermark; --force-full-sync refetches from the beginning of time
instead. The exit code reflects the outcome: 0 all tables succeeded,
1 partial, 2 failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID == "" && !all {
				return usageErrorf("pick a scope: --tenant <id> or --all")
			}
			if tenantID != "" && all {
				return usageErrorf("--tenant and --all are mutually exclusive")
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			orch, err := tb.engine()
			if err != nil {
				return err
			}

			report, err := orch.Run(cmd.Context(), pipeline.RunOptions{
				RunKind:      state.RunKindManual,
				TenantFilter: tenantID,
				TableFilter:  tableF,
				FullSync:     fullSync,
			})
			if err != nil {
				return err
			}

			renderReport(cmd.OutOrStdout(), report)
			return reportOutcome(report)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "run a single tenant")
	cmd.Flags().BoolVar(&all, "all", false, "run every enabled tenant")
	cmd.Flags().StringVar(&tableF, "table", "", "narrow to one endpoint path or canonical table")
	cmd.Flags().BoolVar(&fullSync, "force-full-sync", false, "ignore watermarks and refetch from the epoch")
	return cmd
}
