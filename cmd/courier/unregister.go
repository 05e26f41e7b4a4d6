// ABOUTME: The unregister command: stops an identity's listener and releases the name.
// ABOUTME: With --archive, remaining mailbox entries are copied into the journal before removal.

package main

import (
	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/identity"
	"github.com/2389/courier/internal/store"
	"github.com/2389/courier/internal/supervisor"
)

func newUnregisterCmd(a *app) *cobra.Command {
	var (
		rawName string
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Stop an identity's listener and remove its registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := identity.Normalize(rawName)
			if err != nil {
				return err
			}

			stopped, err := a.supervisor().Stop(supervisor.RoleListener, name, stopGrace)
			if err != nil {
				return err
			}

			// The listener's connection dropping only marks the identity
			// disconnected; remove it from the registry too. A hub that is
			// not running has no registry to clean.
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Unregister(cmd.Context(), name); err != nil &&
				!errcode.Is(err, errcode.HubNotRunning) {
				return err
			}

			boxes, err := a.mailboxes()
			if err != nil {
				return err
			}

			archived := 0
			if archive {
				entries, err := boxes.Read(name, 0, false)
				if err != nil {
					return err
				}
				if len(entries) > 0 {
					journal, err := store.Open(a.cfg.JournalPath())
					if err != nil {
						return err
					}
					defer journal.Close()
					if err := journal.ArchiveMailbox(cmd.Context(), name, entries); err != nil {
						return err
					}
					archived = len(entries)
				}
			}

			if err := boxes.Remove(name); err != nil {
				return err
			}

			out := map[string]any{
				"status":           "unregistered",
				"identity":         name,
				"listener_stopped": stopped,
			}
			if archive {
				out["archived"] = archived
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&rawName, "identity", "", "identity to unregister (required)")
	cmd.Flags().BoolVar(&archive, "archive", false,
		"copy unread mailbox entries into the journal before removal")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}
