// Package hub implements the central message broker.
//
// # Overview
//
// The hub is the single routing authority: every identity registers with
// it, and every message passes through it. It holds no message state of
// its own; a route either hands off to the recipient's live listener
// connection or fails with a structured error.
//
// # Hub
//
// Hub accepts loopback TCP connections and processes wire frames:
//
//	h := hub.New(hub.Options{Addr: cfg.HubAddr(), Journal: journal})
//	if err := h.Listen(); err != nil { ... }
//	err := h.Serve(ctx)
//
// Serve runs until ctx is cancelled, then stops accepting, notifies
// connected listeners with a shutdown frame, and drains in-flight
// handlers with a bounded grace period.
//
// # Registry
//
// The registry maps identity names to spokes. All mutations are
// serialized through a single mutex, which is what makes registration
// conflicts deterministic: of two concurrent registrations for the same
// name, exactly one wins. Entries outlive their connections so routing
// can distinguish RECIPIENT_NEVER_REGISTERED from RECIPIENT_DISCONNECTED.
//
// # Ordering
//
// A route is acked only after the frame has been written to the
// recipient's socket, and each spoke's writes are serialized by a
// per-connection mutex. Two messages from the same sender to the same
// recipient therefore reach the listener in send order.
package hub
