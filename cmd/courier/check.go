// ABOUTME: The check command: reads an identity's mailbox, optionally clearing what was read.
// ABOUTME: Works directly against the mailbox files; no hub required.

package main

import (
	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/identity"
)

func newCheckCmd(a *app) *cobra.Command {
	var (
		rawName string
		limit   int
		clear   bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Read an identity's mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := identity.Normalize(rawName)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			entries, err := c.Check(name, limit, clear)
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"status":   "ok",
				"identity": name,
				"count":    len(entries),
				"cleared":  clear,
				"messages": entries,
			})
		},
	}
	cmd.Flags().StringVar(&rawName, "identity", "", "mailbox identity (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to return (0 for all)")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove returned messages from the mailbox")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}
