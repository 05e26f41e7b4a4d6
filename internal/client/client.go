// ABOUTME: Client-side operations: send a message through the hub, check a mailbox, discover identities.
// ABOUTME: One short-lived hub connection per operation; connection failures map to the error taxonomy.

package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/identity"
	"github.com/2389/courier/internal/mailbox"
	"github.com/2389/courier/internal/wire"
)

// Options configures a Client.
type Options struct {
	HubAddr        string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	MaxMessageSize int
	AllowSelfSend  bool
	Mailboxes      *mailbox.Store
	Logger         *slog.Logger
}

// Client performs one-shot operations against the hub and the local
// mailbox store.
type Client struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = wire.MaxPayloadSize
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "client"),
	}
}

// Receipt describes an accepted send.
type Receipt struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Send routes one message through the hub and waits for the hub's ack,
// which means the recipient's listener accepted the handoff.
func (c *Client) Send(ctx context.Context, from, to, message string) (*Receipt, error) {
	from, err := identity.Normalize(from)
	if err != nil {
		return nil, err
	}
	to, err = identity.Normalize(to)
	if err != nil {
		return nil, err
	}
	if from == to && !c.opts.AllowSelfSend {
		return nil, errcode.New(errcode.InvalidIdentity,
			"sending to yourself is disabled").With("identity", from)
	}
	if message == "" {
		return nil, errcode.New(errcode.EmptyMessageNotAllowed, "message is empty")
	}
	if len(message) > c.opts.MaxMessageSize {
		return nil, errcode.New(errcode.MessageTooLarge,
			"message of %d bytes exceeds limit", len(message)).
			With("limit", c.opts.MaxMessageSize)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	f := wire.NewRoute(from, to, message)
	if err := wire.WriteFrameTimeout(conn, f, c.opts.SendTimeout); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errcode.New(errcode.SendTimeout,
				"sending message to hub timed out after %s", c.opts.SendTimeout).
				With("message_id", f.ID)
		}
		return nil, errcode.New(errcode.Internal, "sending message to hub: %v", err)
	}

	reply, err := wire.ReadFrameTimeout(conn, c.opts.SendTimeout)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errcode.New(errcode.SendTimeout,
				"no delivery confirmation within %s", c.opts.SendTimeout).
				With("message_id", f.ID)
		}
		return nil, errcode.New(errcode.Internal, "reading hub reply: %v", err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if reply.Type != wire.TypeAck || reply.ID != f.ID {
		return nil, errcode.New(errcode.Internal,
			"unexpected hub reply %q", reply.Type)
	}

	c.logger.Debug("message accepted", "id", f.ID, "from", from, "to", to)
	return &Receipt{
		MessageID: f.ID,
		From:      from,
		To:        to,
		Timestamp: f.Timestamp,
	}, nil
}

// Check reads the caller's mailbox directly from disk; the hub is not
// involved. With clear set, returned entries are removed atomically.
func (c *Client) Check(name string, limit int, clear bool) ([]mailbox.Entry, error) {
	name, err := identity.Normalize(name)
	if err != nil {
		return nil, err
	}
	return c.opts.Mailboxes.Read(name, limit, clear)
}

// Discover returns the hub's registry snapshot. An unreachable hub is an
// error, never an empty list, so callers can tell "nobody registered"
// from "hub is down".
func (c *Client) Discover(ctx context.Context) ([]wire.IdentityInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := &wire.Frame{Type: wire.TypeDiscover}
	if err := wire.WriteFrameTimeout(conn, req, c.opts.SendTimeout); err != nil {
		return nil, errcode.New(errcode.Internal, "sending discover: %v", err)
	}
	reply, err := wire.ReadFrameTimeout(conn, c.opts.SendTimeout)
	if err != nil {
		return nil, errcode.New(errcode.Internal, "reading discover reply: %v", err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if reply.Type != wire.TypeIdentities {
		return nil, errcode.New(errcode.Internal,
			"unexpected discover reply %q", reply.Type)
	}
	return reply.Identities, nil
}

// Ping reports whether a hub is answering at the configured address.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrameTimeout(conn, &wire.Frame{Type: wire.TypePing}, c.opts.SendTimeout); err != nil {
		return errcode.New(errcode.HubNotRunning, "hub did not accept ping: %v", err)
	}
	reply, err := wire.ReadFrameTimeout(conn, c.opts.SendTimeout)
	if err != nil {
		return errcode.New(errcode.HubNotRunning, "hub did not answer ping: %v", err)
	}
	if reply.Type != wire.TypeAck {
		return errcode.New(errcode.Internal, "unexpected ping reply %q", reply.Type)
	}
	return nil
}

// Unregister removes an identity from the hub's registry on behalf of a
// stopped listener.
func (c *Client) Unregister(ctx context.Context, name string) error {
	name, err := identity.Normalize(name)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &wire.Frame{Type: wire.TypeUnregister, From: name}
	if err := wire.WriteFrameTimeout(conn, req, c.opts.SendTimeout); err != nil {
		return errcode.New(errcode.Internal, "sending unregister: %v", err)
	}
	reply, err := wire.ReadFrameTimeout(conn, c.opts.SendTimeout)
	if err != nil {
		return errcode.New(errcode.Internal, "reading unregister reply: %v", err)
	}
	if err := reply.Err(); err != nil {
		return err
	}
	return nil
}

// dial opens one connection to the hub, translating the two connection
// failure modes: nothing listening means no hub, a hang means a timeout.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.HubAddr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, errcode.New(errcode.HubNotRunning,
				"no hub listening at %s", c.opts.HubAddr).With("addr", c.opts.HubAddr)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errcode.New(errcode.ConnectionTimeout,
				"connecting to hub at %s timed out after %s", c.opts.HubAddr, c.opts.ConnectTimeout)
		}
		return nil, errcode.New(errcode.Internal,
			"connecting to hub at %s: %v", c.opts.HubAddr, err)
	}
	return conn, nil
}
