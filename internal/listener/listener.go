// ABOUTME: Per-identity listener daemon: registers with the hub and writes routed messages to the mailbox.
// ABOUTME: Reconnects with exponential backoff; duplicate message IDs are dropped before the mailbox sees them.

package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/2389/courier/internal/dedupe"
	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/mailbox"
	"github.com/2389/courier/internal/wire"
)

const (
	dialTimeout      = 5 * time.Second
	registerTimeout  = 5 * time.Second
	initialBackoff   = 500 * time.Millisecond
	maxBackoff       = 15 * time.Second
	maxReconnects    = 10
	dedupeTTL        = 10 * time.Minute
	dedupeMaxEntries = 10000
)

// Options configures a Listener.
type Options struct {
	Identity string
	HubAddr  string
	Mailbox  *mailbox.Store
	// Force requests a registration takeover if another connection holds
	// the identity.
	Force  bool
	Logger *slog.Logger
}

// Listener is the daemon half of one identity: a single hub connection
// draining route frames into the identity's mailbox.
type Listener struct {
	identity string
	hubAddr  string
	mailbox  *mailbox.Store
	force    bool
	dedupe   *dedupe.Cache
	logger   *slog.Logger
}

func New(opts Options) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		identity: opts.Identity,
		hubAddr:  opts.HubAddr,
		mailbox:  opts.Mailbox,
		force:    opts.Force,
		dedupe:   dedupe.New(dedupeTTL, dedupeMaxEntries),
		logger:   logger.With("component", "listener", "identity", opts.Identity),
	}
}

// Run connects, registers, and drains frames until ctx is cancelled, the
// hub announces shutdown, or registration is refused. Connection drops are
// retried with exponential backoff; a refused registration is fatal
// because retrying it would never succeed.
func (l *Listener) Run(ctx context.Context) error {
	defer l.dedupe.Close()

	backoff := initialBackoff
	attempts := 0

	for {
		err := l.session(ctx)
		switch {
		case err == nil:
			// Clean exit: hub shutdown or ctx cancelled.
			return nil
		case ctx.Err() != nil:
			return nil
		case isFatal(err):
			l.logger.Error("listener stopping", "error", err)
			return err
		}

		attempts++
		if attempts > maxReconnects {
			return errcode.New(errcode.HubNotRunning,
				"gave up reconnecting after %d attempts: %v", maxReconnects, err)
		}
		l.logger.Warn("connection lost, reconnecting", "error", err,
			"backoff", backoff.String(), "attempt", attempts)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connect-register-drain cycle. A nil return means the
// session ended deliberately; any error means the caller should decide
// whether to reconnect.
func (l *Listener) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.hubAddr)
	if err != nil {
		return fmt.Errorf("dialing hub at %s: %w", l.hubAddr, err)
	}
	defer conn.Close()

	// Unblock ReadFrame when ctx is cancelled mid-session.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := l.register(conn); err != nil {
		return err
	}
	l.logger.Info("registered with hub", "hub", l.hubAddr)

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from hub: %w", err)
		}

		switch f.Type {
		case wire.TypeRoute:
			l.accept(f)
		case wire.TypeShutdown:
			l.logger.Info("hub shutting down, exiting")
			return nil
		default:
			l.logger.Debug("ignoring unexpected frame", "type", f.Type)
		}
	}
}

func (l *Listener) register(conn net.Conn) error {
	req := &wire.Frame{Type: wire.TypeRegister, From: l.identity, Force: l.force}
	if err := wire.WriteFrameTimeout(conn, req, registerTimeout); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	reply, err := wire.ReadFrameTimeout(conn, registerTimeout)
	if err != nil {
		return fmt.Errorf("awaiting register ack: %w", err)
	}
	if err := reply.Err(); err != nil {
		return err
	}
	if reply.Type != wire.TypeAck {
		return errcode.New(errcode.Internal,
			"unexpected register reply %q", reply.Type)
	}
	return nil
}

// accept persists one routed message. At-least-once delivery means the
// same ID can arrive twice across reconnects; the dedupe cache absorbs
// the repeats.
func (l *Listener) accept(f *wire.Frame) {
	if f.ID != "" && l.dedupe.CheckAndMark(f.ID) {
		l.logger.Debug("dropping duplicate message", "id", f.ID, "from", f.From)
		return
	}

	entry := mailbox.Entry{
		Timestamp: f.Timestamp,
		From:      f.From,
		Message:   f.Payload,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := l.mailbox.Append(l.identity, entry); err != nil {
		l.logger.Error("mailbox append failed", "id", f.ID, "from", f.From, "error", err)
		return
	}
	l.logger.Debug("message stored", "id", f.ID, "from", f.From)
}

// isFatal reports whether err can never be cured by reconnecting.
func isFatal(err error) bool {
	switch errcode.CodeOf(err) {
	case errcode.IdentityAlreadyRegistered, errcode.InvalidIdentity:
		return true
	}
	return false
}
