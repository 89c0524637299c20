// File: cmd/targets.go
package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-resolver/internal/resolver"
)

// newTargetsCmd lists the configured target profiles.
func newTargetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Lists the configured targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := resolver.NewTargets(a.cfg.Targets())
			if err != nil {
				return fmt.Errorf("invalid target profiles: %w", err)
			}
			ids := targets.IDs()
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No targets configured.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tURL\tREQUIRED ROLES")
			for _, id := range ids {
				p, _ := targets.Get(id)
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.URL, strings.Join(p.RequiredRoles, ","))
			}
			return w.Flush()
		},
	}
}
