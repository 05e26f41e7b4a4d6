// ABOUTME: Hidden listener daemon command, the process register launches in the background.
// ABOUTME: Runs one identity's listener in the foreground until SIGTERM or hub shutdown.

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/identity"
	"github.com/2389/courier/internal/listener"
	"github.com/2389/courier/internal/supervisor"
)

func newListenerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "listener",
		Short:  "Listener daemon internals",
		Hidden: true,
	}
	cmd.AddCommand(newListenerRunCmd(a))
	return cmd
}

func newListenerRunCmd(a *app) *cobra.Command {
	var (
		rawName string
		hubPort int
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a listener in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hubPort != 0 {
				a.cfg.Hub.Port = hubPort
			}
			name, err := identity.Normalize(rawName)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			boxes, err := a.mailboxes()
			if err != nil {
				return err
			}

			sup := a.supervisor()
			if err := sup.WriteOwnRecord(supervisor.RoleListener, name, a.cfg.MailboxDir()); err != nil {
				return err
			}
			defer func() {
				if err := sup.RemovePIDFile(supervisor.RoleListener, name); err != nil {
					a.logger.Warn("removing listener PID file failed", "identity", name, "error", err)
				}
			}()

			l := listener.New(listener.Options{
				Identity: name,
				HubAddr:  a.cfg.HubAddr(),
				Mailbox:  boxes,
				Force:    force,
				Logger:   a.logger,
			})
			return l.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&rawName, "identity", "", "identity to listen for (required)")
	cmd.Flags().IntVar(&hubPort, "hub-port", 0, "hub port (overrides configuration)")
	cmd.Flags().BoolVar(&force, "force", false,
		"take over the identity even if another listener holds it")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}
