// ABOUTME: Tests for the register command's conflict handling.
// ABOUTME: A live listener PID record without --force must surface IDENTITY_ALREADY_REGISTERED.

package main

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/courier/internal/errcode"
	"github.com/2389/courier/internal/hub"
	"github.com/2389/courier/internal/supervisor"
)

func startTestHub(t *testing.T) string {
	t.Helper()

	h := hub.New(hub.Options{Addr: "127.0.0.1:0"})
	require.NoError(t, h.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h.Addr()
}

func TestRegisterConflictWithoutForce(t *testing.T) {
	addr := startTestHub(t)
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	dataDir := setupTestEnv(t, port)

	// Claim the identity with this test's own PID so the record reads as a
	// live listener.
	sup := supervisor.New(filepath.Join(dataDir, "run"), filepath.Join(dataDir, "log"), time.Second, slog.Default())
	require.NoError(t, sup.WriteOwnRecord(supervisor.RoleListener, "alpha", ""))

	err = runCommand(t, "register", "--identity", "alpha")
	require.Error(t, err)
	require.Equal(t, errcode.IdentityAlreadyRegistered, errcode.CodeOf(err))
}
