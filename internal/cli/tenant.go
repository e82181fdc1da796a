package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/tenant"
)

func newTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantAddCommand(), newTenantListCommand())
	return cmd
}

func newTenantAddCommand() *cobra.Command {
	var (
		id       string
		name     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				return usageErrorf("--id is required")
			}
			if name == "" {
				return usageErrorf("--name is required")
			}

			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			t := &tenant.Tenant{ID: id, Name: name, Enabled: !disabled}
			if err := tb.directory.CreateTenant(cmd.Context(), t); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s created\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "tenant identifier")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the tenant without enabling it")
	return cmd
}

func newTenantListCommand() *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			tenants, err := tb.directory.ListTenants(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}

			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"TENANT", "NAME", "ENABLED", "CREATED"})
			for _, t := range tenants {
				tbl.AppendRow(table.Row{t.ID, t.Name, t.Enabled, t.CreatedAt.Format(time.RFC3339)})
			}
			tbl.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "show only enabled tenants")
	return cmd
}
