// ABOUTME: Entry point for the courier CLI and its daemon processes.
// ABOUTME: Every command prints exactly one JSON object to stdout; logs go to stderr or daemon log files.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/config"
	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/mailbox"
)

// Version is set by goreleaser at build time.
var version = "dev"

// app carries the loaded configuration and logger to every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "courier",
		Short:   "Local message hub for agents and tools",
		Version: version,

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.DefaultPath())
			if err != nil {
				return err
			}
			a.cfg = cfg

			// Daemon processes log at the configured level; short-lived
			// commands stay quiet on stderr so scripted callers see only
			// warnings and the JSON result.
			logCfg := cfg.Logging
			if cmd.Name() != "run" {
				switch logCfg.Level {
				case "warn", "error":
				default:
					logCfg.Level = "warn"
				}
			}
			a.logger = setupLogger(logCfg)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	root.AddCommand(
		newHubCmd(a),
		newRegisterCmd(a),
		newUnregisterCmd(a),
		newSendCmd(a),
		newCheckCmd(a),
		newDiscoverCmd(a),
		newListenerCmd(a),
	)
	return root
}

func (a *app) mailboxes() (*mailbox.Store, error) {
	return mailbox.New(a.cfg.MailboxDir(), a.cfg.Timeouts.Lock, a.logger)
}

// printJSON writes one JSON object to stdout. It is the only stdout writer
// in the program.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError renders a failure as the standard error envelope. Anything
// without a code is reported as INTERNAL.
func printError(err error) {
	e := errcode.As(err)
	envelope := map[string]any{
		"status":     "error",
		"error_code": e.Code,
		"message":    e.Message,
	}
	if len(e.Details) > 0 {
		envelope["details"] = e.Details
	}
	if jsonErr := printJSON(envelope); jsonErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
