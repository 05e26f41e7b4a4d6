// ABOUTME: Tests for client send, check, discover, and connection error mapping.
// ABOUTME: Uses a real hub on loopback plus a raw spoke connection standing in for a listener.

package client

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/hub"
	"github.com/2389/courier/internal/mailbox"
	"github.com/2389/courier/internal/wire"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(hub.Options{Addr: "127.0.0.1:0"})
	require.NoError(t, h.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// registerSpoke registers name over a raw connection and returns it so the
// test can read routed frames like a listener would.
func registerSpoke(t *testing.T, h *hub.Hub, name string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	req := &wire.Frame{Type: wire.TypeRegister, From: name}
	require.NoError(t, wire.WriteFrameTimeout(conn, req, 5*time.Second))
	reply, err := wire.ReadFrameTimeout(conn, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, reply.Type)
	return conn
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	boxes, err := mailbox.New(t.TempDir(), 2*time.Second, slog.Default())
	require.NoError(t, err)
	return New(Options{
		HubAddr:        addr,
		ConnectTimeout: 2 * time.Second,
		SendTimeout:    2 * time.Second,
		Mailboxes:      boxes,
	})
}

func TestSendDeliversAndReturnsReceipt(t *testing.T) {
	h := startHub(t)
	spoke := registerSpoke(t, h, "bob")
	c := newClient(t, h.Addr())

	receipt, err := c.Send(context.Background(), "Alice", "Bob", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, "alice", receipt.From)
	assert.Equal(t, "bob", receipt.To)
	assert.False(t, receipt.Timestamp.IsZero())

	got, err := wire.ReadFrameTimeout(spoke, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Payload)
	assert.Equal(t, receipt.MessageID, got.ID)
}

func TestSendValidation(t *testing.T) {
	c := newClient(t, "127.0.0.1:1") // never dialed for these cases

	tests := []struct {
		name     string
		from, to string
		message  string
		code     errcode.Code
	}{
		{"empty message", "alice", "bob", "", errcode.EmptyMessageNotAllowed},
		{"bad sender", "no spaces", "bob", "hi", errcode.InvalidIdentity},
		{"bad recipient", "alice", "-bob", "hi", errcode.InvalidIdentity},
		{"self send", "alice", "alice", "hi", errcode.InvalidIdentity},
		{"oversized", "alice", "bob", strings.Repeat("x", wire.MaxPayloadSize+1), errcode.MessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Send(context.Background(), tt.from, tt.to, tt.message)
			require.Error(t, err)
			assert.Equal(t, tt.code, errcode.CodeOf(err))
		})
	}
}

func TestSendSelfAllowedWhenConfigured(t *testing.T) {
	h := startHub(t)
	spoke := registerSpoke(t, h, "alice")

	boxes, err := mailbox.New(t.TempDir(), 2*time.Second, slog.Default())
	require.NoError(t, err)
	c := New(Options{
		HubAddr:        h.Addr(),
		ConnectTimeout: 2 * time.Second,
		SendTimeout:    2 * time.Second,
		AllowSelfSend:  true,
		Mailboxes:      boxes,
	})

	_, err = c.Send(context.Background(), "alice", "alice", "note to self")
	require.NoError(t, err)

	got, err := wire.ReadFrameTimeout(spoke, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "note to self", got.Payload)
}

func TestSendRecipientErrorsPropagate(t *testing.T) {
	h := startHub(t)
	c := newClient(t, h.Addr())

	_, err := c.Send(context.Background(), "alice", "ghost", "anyone?")
	require.Error(t, err)
	assert.Equal(t, errcode.RecipientNeverRegistered, errcode.CodeOf(err))
}

func TestSendHubNotRunning(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newClient(t, addr)
	_, err = c.Send(context.Background(), "alice", "bob", "hi")
	require.Error(t, err)
	assert.Equal(t, errcode.HubNotRunning, errcode.CodeOf(err))
}

func TestSendConnectionDropIsNotTimeout(t *testing.T) {
	// A server that closes every connection on sight. The drop surfaces
	// on the write or on the reply read, but either way the failure is a
	// broken connection, not a timeout.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	c := newClient(t, ln.Addr().String())
	_, err = c.Send(context.Background(), "alice", "bob", strings.Repeat("x", 512*1024))
	require.Error(t, err)
	assert.Equal(t, errcode.Internal, errcode.CodeOf(err))
}

func TestCheckReadsAndClears(t *testing.T) {
	boxes, err := mailbox.New(t.TempDir(), 2*time.Second, slog.Default())
	require.NoError(t, err)
	c := New(Options{Mailboxes: boxes})

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, boxes.Append("bob", mailbox.Entry{
			Timestamp: time.Now().UTC(), From: "alice", Message: msg,
		}))
	}

	entries, err := c.Check("Bob", 2, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Message)

	entries, err = c.Check("bob", 0, true)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = c.Check("bob", 0, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscoverListsIdentities(t *testing.T) {
	h := startHub(t)
	registerSpoke(t, h, "alice")
	registerSpoke(t, h, "bob")
	c := newClient(t, h.Addr())

	infos, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
		assert.True(t, info.Connected)
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestDiscoverHubDownIsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newClient(t, addr)
	_, err = c.Discover(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.HubNotRunning, errcode.CodeOf(err))
}

func TestPing(t *testing.T) {
	h := startHub(t)
	c := newClient(t, h.Addr())
	assert.NoError(t, c.Ping(context.Background()))
}

func TestUnregisterRemovesIdentity(t *testing.T) {
	h := startHub(t)
	registerSpoke(t, h, "bob")
	c := newClient(t, h.Addr())

	require.NoError(t, c.Unregister(context.Background(), "bob"))

	infos, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}
