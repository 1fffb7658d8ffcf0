package commands

import (
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// NewTenantsCommand creates the tenants subcommand.
func NewTenantsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect platform tenants",
	}
	cmd.AddCommand(newTenantsListCommand())
	return cmd
}

func newTenantsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List tenants and their agents",
		Example: "  liteclaw-platform tenants list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pg, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pg.Close()

			tenants, err := pg.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			if len(tenants) == 0 {
				cmd.Println("No tenants.")
				return nil
			}
			renderTenants(cmd.OutOrStdout(), tenants)
			return nil
		},
	}
}

func renderTenants(w io.Writer, tenants []*store.Tenant) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Agent", "Display Name", "User", "Provisioned", "Created"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	sorted := append([]*store.Tenant{}, tenants...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AgentID < sorted[j].AgentID
	})

	for _, t := range sorted {
		table.Append([]string{
			t.AgentID,
			t.DisplayName,
			t.UserID,
			strconv.FormatBool(t.AgentProvisioned),
			t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
}
