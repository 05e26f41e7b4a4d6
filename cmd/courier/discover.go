// ABOUTME: The discover command: lists every identity in the hub's registry.
// ABOUTME: An unreachable hub is an error, never an empty list.

package main

import (
	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var hubPort int

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List identities known to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hubPort != 0 {
				a.cfg.Hub.Port = hubPort
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			infos, err := c.Discover(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"status":     "ok",
				"count":      len(infos),
				"identities": infos,
			})
		},
	}
	cmd.Flags().IntVar(&hubPort, "hub-port", 0, "hub port (overrides configuration)")
	return cmd
}
