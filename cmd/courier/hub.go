// ABOUTME: Hub lifecycle commands: start, stop, status, log, and the hidden foreground run.
// ABOUTME: Start launches a detached daemon and only returns once the hub answers a ping.

package main

import (
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/client"
	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/hub"
	"github.com/2389/courier/internal/store"
	"github.com/2389/courier/internal/supervisor"
)

const stopGrace = 5 * time.Second

const banner = `
                       _
  ___ ___  _   _ _ __(_) ___ _ __
 / __/ _ \| | | | '__| |/ _ \ '__|
| (_| (_) | |_| | |  | |  __/ |
 \___\___/ \__,_|_|  |_|\___|_|
`

// hubKey returns the supervisor key for the hub daemon. PID files are
// keyed by port so hubs on different ports never collide.
func (a *app) hubKey() string {
	return strconv.Itoa(a.cfg.Hub.Port)
}

func (a *app) supervisor() *supervisor.Supervisor {
	return supervisor.New(a.cfg.RunDir(), a.cfg.LogDir(), a.cfg.Timeouts.Startup,
		a.logger.With("component", "supervisor"))
}

func (a *app) client() (*client.Client, error) {
	boxes, err := a.mailboxes()
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		HubAddr:        a.cfg.HubAddr(),
		ConnectTimeout: a.cfg.Timeouts.Startup,
		SendTimeout:    a.cfg.Timeouts.Send,
		MaxMessageSize: int(a.cfg.Messages.MaxSize),
		AllowSelfSend:  a.cfg.AllowSelfSend(),
		Mailboxes:      boxes,
		Logger:         a.logger,
	}), nil
}

// addPortFlag registers --port, overriding the configured hub port. The
// override runs in PreRunE so PersistentPreRunE has already loaded config.
func addPortFlag(a *app, cmd *cobra.Command) {
	var port int
	cmd.Flags().IntVar(&port, "port", 0, "hub port (overrides configuration)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if port != 0 {
			a.cfg.Hub.Port = port
		}
		return nil
	}
}

func newHubCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Manage the hub daemon",
	}
	cmd.AddCommand(
		newHubStartCmd(a),
		newHubStopCmd(a),
		newHubStatusCmd(a),
		newHubLogCmd(a),
		newHubRunCmd(a),
	)
	return cmd
}

func newHubStartCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sup := a.supervisor()
			status, err := sup.Inspect(supervisor.RoleHub, a.hubKey())
			if err != nil {
				return err
			}
			if status.Running {
				return printJSON(map[string]any{
					"status": "already_running",
					"pid":    status.PID,
					"port":   a.cfg.Hub.Port,
				})
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			// No PID file of ours, but something may still answer on the
			// port. That is a foreign process, not a hub we can adopt.
			if err := c.Ping(cmd.Context()); err == nil {
				return errcode.New(errcode.PortInUse,
					"port %d is in use by a process courier does not manage", a.cfg.Hub.Port).
					With("port", a.cfg.Hub.Port)
			}
			// A foreign server that is not a hub fails the ping too; a
			// trial bind distinguishes an occupied port from a hub that is
			// merely down. The daemon would hit the same error only after
			// the startup timeout, and only into its log file.
			ln, err := net.Listen("tcp", a.cfg.HubAddr())
			if err != nil {
				if errors.Is(err, syscall.EADDRINUSE) {
					return errcode.New(errcode.PortInUse,
						"port %d is in use by a process courier does not manage", a.cfg.Hub.Port).
						With("port", a.cfg.Hub.Port)
				}
				return err
			}
			_ = ln.Close()

			rec, err := sup.Start(cmd.Context(), supervisor.StartSpec{
				Role:       supervisor.RoleHub,
				Key:        a.hubKey(),
				Args:       []string{"hub", "run", "--port", a.hubKey()},
				PortOrPath: a.hubKey(),
				Ready:      c.Ping,
			})
			if err != nil {
				return err
			}

			out := map[string]any{
				"status": "started",
				"pid":    rec.PID,
				"port":   a.cfg.Hub.Port,
			}
			if status.StaleCleaned {
				out["stale_cleaned"] = true
			}
			return printJSON(out)
		},
	}
	addPortFlag(a, cmd)
	return cmd
}

func newHubStopCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the hub daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := a.supervisor().Stop(supervisor.RoleHub, a.hubKey(), stopGrace)
			if err != nil {
				return err
			}
			if !stopped {
				return printJSON(map[string]any{"status": "not_running", "port": a.cfg.Hub.Port})
			}
			return printJSON(map[string]any{"status": "stopped", "port": a.cfg.Hub.Port})
		},
	}
	addPortFlag(a, cmd)
	return cmd
}

func newHubStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the hub daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.supervisor().Inspect(supervisor.RoleHub, a.hubKey())
			if err != nil {
				return err
			}

			out := map[string]any{
				"running": status.Running,
				"port":    a.cfg.Hub.Port,
			}
			if status.Running {
				out["pid"] = status.PID
			}
			if status.StaleCleaned {
				out["stale_cleaned"] = true
			}
			return printJSON(out)
		},
	}
	addPortFlag(a, cmd)
	return cmd
}

func newHubLogCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent hub events from the delivery journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := store.Open(a.cfg.JournalPath())
			if err != nil {
				return err
			}
			defer journal.Close()

			events, err := journal.Events(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"status": "ok",
				"count":  len(events),
				"events": events,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to show")
	return cmd
}

// newHubRunCmd is the daemon half of hub start: it runs the hub in the
// foreground until SIGTERM. Hidden because users go through hub start.
func newHubRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the hub in the foreground",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// stdout here is the daemon log file, not a JSON surface.
			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			green := color.New(color.FgGreen)
			green.Print("    ▶ ")
			fmt.Printf("Port:    %d\n", a.cfg.Hub.Port)
			green.Print("    ▶ ")
			fmt.Printf("Data:    %s\n", a.cfg.Storage.DataDir)
			green.Print("    ▶ ")
			fmt.Printf("Journal: %s\n\n", a.cfg.JournalPath())

			journal, err := store.Open(a.cfg.JournalPath())
			if err != nil {
				return err
			}
			defer journal.Close()

			h := hub.New(hub.Options{
				Addr:    a.cfg.HubAddr(),
				Journal: journal,
				Logger:  a.logger,
			})
			if err := h.Listen(); err != nil {
				return err
			}

			sup := a.supervisor()
			if err := sup.WriteOwnRecord(supervisor.RoleHub, a.hubKey(), a.hubKey()); err != nil {
				return err
			}
			defer func() {
				if err := sup.RemovePIDFile(supervisor.RoleHub, a.hubKey()); err != nil {
					a.logger.Warn("removing hub PID file failed", "error", err)
				}
			}()

			return h.Serve(ctx)
		},
	}
	addPortFlag(a, cmd)
	return cmd
}
