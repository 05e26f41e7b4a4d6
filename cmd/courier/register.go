// ABOUTME: The register command: starts a listener daemon for an identity.
// ABOUTME: Returns only after the hub's registry shows the identity connected, closing the startup window.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/client"
	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/identity"
	"github.com/2389/courier/internal/supervisor"
)

func newRegisterCmd(a *app) *cobra.Command {
	var (
		rawName string
		hubPort int
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an identity and start its listener daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hubPort != 0 {
				a.cfg.Hub.Port = hubPort
			}
			name, err := identity.Normalize(rawName)
			if err != nil {
				return err
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			// The listener would discover this on its own, but failing here
			// gives the caller HUB_NOT_RUNNING instead of a startup timeout.
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}

			sup := a.supervisor()
			status, err := sup.Inspect(supervisor.RoleListener, name)
			if err != nil {
				return err
			}
			if status.Running {
				if !force {
					return errcode.New(errcode.IdentityAlreadyRegistered,
						"identity %q already has a running listener; pass --force to take it over", name).
						With("identity", name).With("pid", status.PID)
				}
				// Takeover: the old listener daemon goes away before the
				// new one claims the PID file and the hub registration.
				if _, err := sup.Stop(supervisor.RoleListener, name, stopGrace); err != nil {
					return err
				}
			}

			daemonArgs := []string{"listener", "run", "--identity", name, "--hub-port", a.hubKey()}
			if force {
				daemonArgs = append(daemonArgs, "--force")
			}

			rec, err := sup.Start(cmd.Context(), supervisor.StartSpec{
				Role:       supervisor.RoleListener,
				Key:        name,
				Args:       daemonArgs,
				PortOrPath: a.cfg.MailboxDir(),
				Ready:      listenerReady(c, name),
			})
			if err != nil {
				return err
			}

			out := map[string]any{
				"status":   "registered",
				"identity": name,
				"pid":      rec.PID,
				"mailbox":  a.cfg.MailboxDir(),
			}
			if status.StaleCleaned {
				out["stale_cleaned"] = true
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&rawName, "identity", "", "identity to register (required)")
	cmd.Flags().IntVar(&hubPort, "hub-port", 0, "hub port (overrides configuration)")
	cmd.Flags().BoolVar(&force, "force", false,
		"take over the identity even if another listener holds it")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

// listenerReady polls the hub registry until name shows up connected.
func listenerReady(c *client.Client, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		infos, err := c.Discover(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.Name == name && info.Connected {
				return nil
			}
		}
		return errcode.New(errcode.ConnectionTimeout,
			"identity %q not yet connected", name)
	}
}
