// ABOUTME: In-memory identity registry, the hub's single source of truth for routing.
// ABOUTME: All mutations are serialized through one mutex; no other component writes here.

package hub

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/wire"
)

// spoke is one registered identity and its live connection state. The
// write mutex keeps concurrent route deliveries to the same listener from
// interleaving frames, which is what preserves per-pair FIFO order.
type spoke struct {
	name         string
	registeredAt time.Time
	connected    bool

	conn    net.Conn
	writeMu sync.Mutex
}

// deliver hands one frame to the listener's socket under the spoke's write
// lock, bounded by timeout.
func (s *spoke) deliver(f *wire.Frame, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrameTimeout(s.conn, f, timeout)
}

// registry maps identity name to spoke. A name stays in the table after its
// connection drops (connected=false) so routing can distinguish "never
// registered" from "registered but unreachable"; only unregister or hub
// shutdown removes it.
type registry struct {
	mu     sync.Mutex
	spokes map[string]*spoke
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		spokes: make(map[string]*spoke),
		logger: logger,
	}
}

// register binds name to conn. Re-registration over a live connection is a
// conflict unless force is set, in which case the prior connection is torn
// down first. Reconnection over a dead entry reuses it, keeping the
// original registration time.
func (r *registry) register(name string, conn net.Conn, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.spokes[name]
	if ok && existing.connected {
		if !force {
			return errcode.New(errcode.IdentityAlreadyRegistered,
				"identity %q has an active connection", name).With("identity", name)
		}
		// Sanctioned takeover: the old connection goes away before the
		// new one owns the name.
		_ = existing.conn.Close()
		r.logger.Info("forced takeover of identity", "identity", name)
	}

	if ok {
		existing.conn = conn
		existing.connected = true
		r.logger.Info("identity reconnected", "identity", name, "total", r.countLocked())
		return nil
	}

	r.spokes[name] = &spoke{
		name:         name,
		registeredAt: time.Now().UTC(),
		connected:    true,
		conn:         conn,
	}
	r.logger.Info("identity registered", "identity", name, "total", r.countLocked())
	return nil
}

// unregister removes name entirely. Idempotent: unknown names are a no-op.
// Returns whether the name existed. The requester's own connection is left
// open so a self-unregistering spoke can still receive its ack; its
// handler closes the socket when it exits.
func (r *registry) unregister(name string, requester net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spokes[name]
	if !ok {
		return false
	}
	if s.connected && s.conn != requester {
		_ = s.conn.Close()
	}
	delete(r.spokes, name)
	r.logger.Info("identity unregistered", "identity", name, "total", r.countLocked())
	return true
}

// lookup resolves a routing target.
func (r *registry) lookup(name string) (*spoke, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spokes[name]
	if !ok {
		return nil, errcode.New(errcode.RecipientNeverRegistered,
			"identity %q is not registered", name).With("identity", name)
	}
	if !s.connected {
		return nil, errcode.New(errcode.RecipientDisconnected,
			"identity %q has no live connection", name).With("identity", name)
	}
	return s, nil
}

// disconnected marks name offline, but only if conn is still the
// connection on record; a reconnect or takeover that already replaced it
// must not be clobbered by the old connection's reader exiting late.
func (r *registry) disconnected(name string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spokes[name]
	if !ok || s.conn != conn {
		return
	}
	s.connected = false
	r.logger.Info("identity disconnected", "identity", name)
}

// snapshot returns a point-in-time view of all entries. Callers must treat
// it as stale the instant it is returned.
func (r *registry) snapshot() []wire.IdentityInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]wire.IdentityInfo, 0, len(r.spokes))
	for _, s := range r.spokes {
		infos = append(infos, wire.IdentityInfo{
			Name:         s.name,
			RegisteredAt: s.registeredAt,
			Connected:    s.connected,
		})
	}
	return infos
}

// shutdownAll notifies every connected spoke and closes its connection.
// Called once, from the hub's shutdown path.
func (r *registry) shutdownAll(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.spokes {
		if !s.connected {
			continue
		}
		if err := s.deliver(&wire.Frame{Type: wire.TypeShutdown}, timeout); err != nil {
			r.logger.Debug("shutdown notice failed", "identity", s.name, "error", err)
		}
		_ = s.conn.Close()
		s.connected = false
	}
}

func (r *registry) countLocked() int {
	return len(r.spokes)
}
