package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/tenant"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage tenant service connections",
	}
	cmd.AddCommand(newServiceAddCommand(), newServiceListCommand())
	return cmd
}

func newServiceAddCommand() *cobra.Command {
	var (
		tenantID         string
		service          string
		credentialsRef   string
		disabled         bool
		disableEndpoints []string
		pageSizes        []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a tenant to a source service",
		Long: `Connect a tenant to a source service. The credentials ref names a
secret in the configured provider; the payload itself is stored with
"avesa secret put". Endpoint overrides adjust single tables:
--disable-endpoint turns one off, --page-size path=n tunes one.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID == "" {
				return usageErrorf("--tenant is required")
			}
			if service == "" {
				return usageErrorf("--service is required")
			}
			if credentialsRef == "" {
				return usageErrorf("--credentials-ref is required")
			}

			overrides, err := buildOverrides(disableEndpoints, pageSizes)
			if err != nil {
				return err
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			cfg := &tenant.ServiceConfig{
				TenantID:          tenantID,
				Service:           service,
				Enabled:           !disabled,
				CredentialsRef:    credentialsRef,
				EndpointOverrides: overrides,
			}
			if err := tb.directory.UpsertServiceConfig(cmd.Context(), cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "service %s configured for tenant %s\n", service, tenantID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	cmd.Flags().StringVar(&service, "service", "", "source service name, e.g. connectwise")
	cmd.Flags().StringVar(&credentialsRef, "credentials-ref", "", "secret ref resolving to the service credentials")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "configure the connection without enabling it")
	cmd.Flags().StringSliceVar(&disableEndpoints, "disable-endpoint", nil, "endpoint path to skip (repeatable)")
	cmd.Flags().StringSliceVar(&pageSizes, "page-size", nil, "endpoint page size as path=n (repeatable)")
	return cmd
}

// buildOverrides folds the override flags into the persisted map.
// A path may appear in both lists; the entries merge.
func buildOverrides(disable, pageSizes []string) (map[string]tenant.EndpointOverride, error) {
	if len(disable) == 0 && len(pageSizes) == 0 {
		return nil, nil
	}

	overrides := make(map[string]tenant.EndpointOverride)
	off := false
	for _, path := range disable {
		o := overrides[path]
		o.Enabled = &off
		overrides[path] = o
	}
	for _, spec := range pageSizes {
		path, raw, found := strings.Cut(spec, "=")
		if !found || path == "" {
			return nil, usageErrorf("--page-size wants path=n, got %q", spec)
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, usageErrorf("--page-size %s wants a positive integer, got %q", path, raw)
		}
		o := overrides[path]
		o.PageSize = &n
		overrides[path] = o
	}
	return overrides, nil
}

func newServiceListCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's service connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID == "" {
				return usageErrorf("--tenant is required")
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			configs, err := tb.directory.ListServiceConfigs(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"SERVICE", "ENABLED", "CREDENTIALS REF", "OVERRIDES"})
			for _, sc := range configs {
				tbl.AppendRow(table.Row{sc.Service, sc.Enabled, sc.CredentialsRef, describeOverrides(sc)})
			}
			tbl.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	return cmd
}

func describeOverrides(sc *tenant.ServiceConfig) string {
	if len(sc.EndpointOverrides) == 0 {
		return ""
	}
	parts := make([]string, 0, len(sc.EndpointOverrides))
	for path, o := range sc.EndpointOverrides {
		switch {
		case o.Enabled != nil && !*o.Enabled:
			parts = append(parts, path+" off")
		case o.PageSize != nil:
			parts = append(parts, fmt.Sprintf("%s page=%d", path, *o.PageSize))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
