// ABOUTME: Shared helpers for command tests.
// ABOUTME: Each test points the CLI at a throwaway config and data directory through env vars.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestEnv routes the CLI at a temp data dir and the given hub port,
// with short timeouts so failure paths resolve quickly.
func setupTestEnv(t *testing.T, port string) string {
	t.Helper()

	dataDir := t.TempDir()
	cfgPath := filepath.Join(dataDir, "courier.yaml")
	cfg := "timeouts:\n  send: \"200ms\"\n  startup: \"2s\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	t.Setenv("COURIER_CONFIG", cfgPath)
	t.Setenv("COURIER_DATA_DIR", dataDir)
	t.Setenv("COURIER_HUB_PORT", port)
	return dataDir
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}
