// ABOUTME: The send command: routes one message through the hub and prints the receipt.
// ABOUTME: File payloads are size-checked from metadata before any bytes are read.

package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/courier/internal/errcode"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		from        string
		to          string
		message     string
		messageFile string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a registered identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout != 0 {
				a.cfg.Timeouts.Send = timeout
			}

			switch {
			case message != "" && messageFile != "":
				return errcode.New(errcode.Internal,
					"pass --message or --message-file, not both")
			case messageFile != "":
				info, err := os.Stat(messageFile)
				if err != nil {
					return errcode.New(errcode.Internal, "reading message file: %v", err)
				}
				if info.Size() > a.cfg.Messages.MaxSize {
					return errcode.New(errcode.MessageTooLarge,
						"file of %d bytes exceeds limit", info.Size()).
						With("limit", a.cfg.Messages.MaxSize)
				}
				data, err := os.ReadFile(messageFile)
				if err != nil {
					return errcode.New(errcode.Internal, "reading message file: %v", err)
				}
				message = string(data)
			case message == "":
				return errcode.New(errcode.EmptyMessageNotAllowed,
					"no message given; pass --message or --message-file")
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			receipt, err := c.Send(cmd.Context(), from, to, message)
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"status":     "sent",
				"message_id": receipt.MessageID,
				"from":       receipt.From,
				"to":         receipt.To,
				"timestamp":  receipt.Timestamp,
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender identity (required)")
	cmd.Flags().StringVar(&to, "to", "", "recipient identity (required)")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	cmd.Flags().StringVar(&messageFile, "message-file", "", "read the message body from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "send timeout (overrides configuration)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
