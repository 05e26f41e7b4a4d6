// ABOUTME: The hub daemon: accepts loopback TCP connections and routes frames between identities.
// ABOUTME: Holds no message state itself; a route either hands off to a live listener or fails.

package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/identity"
	"github.com/2389/courier/internal/store"
	"github.com/2389/courier/internal/wire"
)

// handoffTimeout bounds the socket write that delivers a route frame to a
// listener. A listener that cannot drain within this window is treated as
// unreachable for that message.
const handoffTimeout = 5 * time.Second

// Options configures a Hub. Journal may be nil, in which case no events
// are persisted.
type Options struct {
	Addr    string
	Journal *store.Journal
	Logger  *slog.Logger
}

// Hub is the single routing authority for a courier deployment.
type Hub struct {
	addr     string
	registry *registry
	journal  *store.Journal
	logger   *slog.Logger

	ln net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New builds a Hub; call Listen then Serve to run it.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hub")
	return &Hub{
		addr:     opts.Addr,
		registry: newRegistry(logger),
		journal:  opts.Journal,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the hub's address. A bind failure on an occupied port maps
// to PORT_IN_USE so callers can distinguish it from a hub of their own.
func (h *Hub) Listen() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		if isAddrInUse(err) {
			return errcode.New(errcode.PortInUse,
				"address %s is already bound by another process", h.addr).With("addr", h.addr)
		}
		return errcode.New(errcode.Internal, "binding %s: %v", h.addr, err)
	}
	h.ln = ln
	h.logger.Info("hub listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (h *Hub) Addr() string {
	return h.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully: the listener closes, connected spokes get a shutdown frame,
// and in-flight handlers are given a bounded drain.
func (h *Hub) Serve(ctx context.Context) error {
	h.recordEvent(store.Event{Kind: store.EventHubStarted, Detail: h.Addr()})

	go func() {
		<-ctx.Done()
		h.shutdown()
	}()

	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				h.awaitDrain(5 * time.Second)
				h.recordEvent(store.Event{Kind: store.EventHubStopped})
				h.logger.Info("hub stopped")
				return nil
			}
			h.logger.Warn("accept failed", "error", err)
			continue
		}

		h.mu.Lock()
		if h.draining {
			h.mu.Unlock()
			_ = conn.Close()
			continue
		}
		h.conns[conn] = struct{}{}
		h.wg.Add(1)
		h.mu.Unlock()

		go h.handleConn(conn)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	_ = h.ln.Close()
	h.registry.shutdownAll(time.Second)
}

// awaitDrain waits for in-flight handlers, force-closing their connections
// if they outlive the grace period.
func (h *Hub) awaitDrain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		h.mu.Lock()
		for conn := range h.conns {
			_ = conn.Close()
		}
		h.mu.Unlock()
		<-done
	}
}

// handleConn processes frames from one connection until it closes. A
// connection becomes a spoke once a register frame succeeds; before that
// it can only send one-shot frames (route, discover, ping).
func (h *Hub) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	var registered string

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if registered != "" {
				h.registry.disconnected(registered, conn)
				h.recordEvent(store.Event{Kind: store.EventDisconnected, Identity: registered})
			}
			if !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("connection closed", "identity", registered, "error", err)
			}
			return
		}

		switch f.Type {
		case wire.TypeRegister:
			name, err := h.register(f, conn)
			if err != nil {
				h.reply(conn, wire.NewError(err))
				continue
			}
			registered = name
			h.reply(conn, &wire.Frame{Type: wire.TypeAck, ID: f.ID})

		case wire.TypeUnregister:
			h.unregister(f, conn)
			registered = ""
			h.reply(conn, &wire.Frame{Type: wire.TypeAck, ID: f.ID})

		case wire.TypeRoute:
			if err := h.route(f, registered); err != nil {
				h.reply(conn, wire.NewError(err))
				continue
			}
			h.reply(conn, &wire.Frame{Type: wire.TypeAck, ID: f.ID})

		case wire.TypeDiscover:
			h.reply(conn, &wire.Frame{
				Type:       wire.TypeIdentities,
				ID:         f.ID,
				Identities: h.registry.snapshot(),
			})

		case wire.TypePing:
			h.reply(conn, &wire.Frame{Type: wire.TypeAck, ID: f.ID})

		default:
			h.reply(conn, wire.NewError(errcode.New(errcode.Internal,
				"unsupported frame type %q", f.Type)))
		}
	}
}

func (h *Hub) register(f *wire.Frame, conn net.Conn) (string, error) {
	name, err := identity.Normalize(f.From)
	if err != nil {
		return "", err
	}
	if err := h.registry.register(name, conn, f.Force); err != nil {
		return "", err
	}
	h.recordEvent(store.Event{Kind: store.EventRegistered, Identity: name})
	return name, nil
}

func (h *Hub) unregister(f *wire.Frame, conn net.Conn) {
	name, err := identity.Normalize(f.From)
	if err != nil {
		return
	}
	if h.registry.unregister(name, conn) {
		h.recordEvent(store.Event{Kind: store.EventUnregistered, Identity: name})
	}
}

// route validates and hands off one message. The ack the caller sends
// afterward means the recipient's listener accepted the bytes, not that
// the message reached a mailbox. When the sending connection has a
// registered identity, that identity overrides the claimed from field;
// unregistered client connections are trusted as local callers.
func (h *Hub) route(f *wire.Frame, registered string) error {
	to, err := identity.Normalize(f.To)
	if err != nil {
		return err
	}
	if registered != "" {
		f.From = registered
	}
	from, err := identity.Normalize(f.From)
	if err != nil {
		return err
	}
	if f.Payload == "" {
		return errcode.New(errcode.EmptyMessageNotAllowed, "message payload is empty")
	}
	if len(f.Payload) > wire.MaxPayloadSize {
		return errcode.New(errcode.MessageTooLarge,
			"payload of %d bytes exceeds limit", len(f.Payload)).With("limit", wire.MaxPayloadSize)
	}

	target, err := h.registry.lookup(to)
	if err != nil {
		h.recordEvent(store.Event{
			Kind: store.EventRouteFailed, Identity: to, Peer: from,
			MessageID: f.ID, Detail: string(errcode.CodeOf(err)),
		})
		return err
	}

	out := *f
	out.From = from
	out.To = to
	if err := target.deliver(&out, handoffTimeout); err != nil {
		h.registry.disconnected(to, target.conn)
		h.recordEvent(store.Event{
			Kind: store.EventRouteFailed, Identity: to, Peer: from,
			MessageID: f.ID, Detail: "handoff_failed",
		})
		return errcode.New(errcode.RecipientDisconnected,
			"handoff to %q failed: %v", to, err).With("identity", to)
	}

	h.recordEvent(store.Event{
		Kind: store.EventRouteOK, Identity: to, Peer: from, MessageID: f.ID,
	})
	h.logger.Debug("routed message", "from", from, "to", to, "id", f.ID)
	return nil
}

func (h *Hub) reply(conn net.Conn, f *wire.Frame) {
	if err := wire.WriteFrameTimeout(conn, f, handoffTimeout); err != nil {
		h.logger.Debug("reply failed", "error", err)
	}
}

func (h *Hub) recordEvent(event store.Event) {
	if h.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.journal.RecordEvent(ctx, event); err != nil {
		h.logger.Warn("journal write failed", "kind", event.Kind, "error", err)
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
