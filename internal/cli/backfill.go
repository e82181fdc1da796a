package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/pipeline"
)

func newBackfillCommand() *cobra.Command {
	var (
		tenantID      string
		service       string
		tableF        string
		startRaw      string
		endRaw        string
		chunkDuration string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay a historical window for one tenant table",
		Long: `Replay a historical window for one tenant table. The window is split
into chunk-sized pieces and merged idempotently, so re-running a range
the pipeline already ingested only fills gaps. Times are RFC 3339
(2024-01-01T00:00:00Z) or plain dates (2024-01-01).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID == "" {
				return usageErrorf("--tenant is required")
			}
			if service == "" {
				return usageErrorf("--service is required")
			}
			if tableF == "" {
				return usageErrorf("--table is required")
			}

			start, err := parseTimeFlag("--start", startRaw)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag("--end", endRaw)
			if err != nil {
				return err
			}
			if !start.Before(end) {
				return usageErrorf("--start %s is not before --end %s", startRaw, endRaw)
			}

			// The catalog is embedded, so a table the service does not
			// serve is a usage error, not a runtime one.
			cat, err := catalog.Load()
			if err != nil {
				return err
			}
			if err := checkServiceTable(cat, service, tableF); err != nil {
				return err
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			if chunkDuration != "" {
				d, err := parseChunkDuration(chunkDuration)
				if err != nil {
					return err
				}
				tb.cfg.Pipeline.ChunkDuration = d
			}

			// The tenant must actually be connected to the service.
			if _, err := tb.directory.GetServiceConfig(cmd.Context(), tenantID, service); err != nil {
				return fmt.Errorf("tenant %s has no %s connection: %w", tenantID, service, err)
			}

			orch, err := tb.engine()
			if err != nil {
				return err
			}

			report, err := orch.Backfill(cmd.Context(), pipeline.BackfillRequest{
				TenantID: tenantID,
				Table:    tableF,
				Start:    start,
				End:      end,
			})
			if err != nil {
				return err
			}

			renderReport(cmd.OutOrStdout(), report)
			return reportOutcome(report)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	cmd.Flags().StringVar(&service, "service", "", "source service name")
	cmd.Flags().StringVar(&tableF, "table", "", "endpoint path or canonical table")
	cmd.Flags().StringVar(&startRaw, "start", "", "window start, inclusive")
	cmd.Flags().StringVar(&endRaw, "end", "", "window end, exclusive")
	cmd.Flags().StringVar(&chunkDuration, "chunk-duration", "", `chunk size for this backfill, e.g. "48h" or "2d"`)
	return cmd
}

func parseTimeFlag(flag, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, usageErrorf("%s is required", flag)
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, usageErrorf("%s wants an RFC 3339 timestamp or a date, got %q", flag, raw)
}

// parseChunkDuration accepts Go durations plus a day suffix: "2d" is
// 48 hours.
func parseChunkDuration(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
		return 0, usageErrorf("--chunk-duration wants a positive day count, got %q", raw)
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, usageErrorf("--chunk-duration wants a positive duration, got %q", raw)
	}
	return d, nil
}

func checkServiceTable(cat *catalog.Registry, service, tableF string) error {
	endpoints, err := cat.Endpoints(service)
	if err != nil {
		return usageErrorf("unknown service %q", service)
	}
	for _, ep := range endpoints {
		if ep.Path == tableF || ep.CanonicalTable == tableF {
			return nil
		}
	}
	return usageErrorf("service %s has no table %q", service, tableF)
}
