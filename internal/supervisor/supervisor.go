// ABOUTME: Process supervisor for the hub and listener daemons.
// ABOUTME: Owns PID files with create-exclusive arbitration and stale-PID self-healing.

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/2389/courier/internal/errcode"
)

// Role identifies the kind of daemon a PID file describes.
type Role string

const (
	RoleHub      Role = "hub"
	RoleListener Role = "listener"
)

// Record is the JSON content of a PID file. A record is only trustworthy
// after a liveness probe: the file can outlive a crashed process.
type Record struct {
	Role       Role      `json:"role"`
	PID        int       `json:"pid"`
	PortOrPath string    `json:"port_or_path"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is the result of a liveness inspection.
type Status struct {
	Running      bool `json:"running"`
	PID          int  `json:"pid,omitempty"`
	StaleCleaned bool `json:"stale_cleaned,omitempty"`
}

// readyPollInterval is how often Start re-probes a launching daemon.
const readyPollInterval = 100 * time.Millisecond

// Supervisor starts, stops, and inspects background daemons. Daemon
// lifecycle: starting -> running -> stopping -> stopped; the PID file
// exists exactly while the supervisor considers the daemon running.
type Supervisor struct {
	runDir         string
	logDir         string
	startupTimeout time.Duration
	logger         *slog.Logger
}

// New creates a Supervisor writing PID files under runDir and daemon logs
// under logDir.
func New(runDir, logDir string, startupTimeout time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		runDir:         runDir,
		logDir:         logDir,
		startupTimeout: startupTimeout,
		logger:         logger,
	}
}

// PIDPath returns the deterministic PID file location for role and key.
func (s *Supervisor) PIDPath(role Role, key string) string {
	return filepath.Join(s.runDir, string(role), key+".pid")
}

func (s *Supervisor) logPath(role Role, key string) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s-%s.log", role, key))
}

// ReadRecord loads the daemon record for role and key without probing
// liveness. Returns nil when no PID file exists.
func (s *Supervisor) ReadRecord(role Role, key string) (*Record, error) {
	data, err := os.ReadFile(s.PIDPath(role, key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading PID file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A malformed PID file is treated like a stale one.
		return nil, nil
	}
	return &rec, nil
}

// processAlive probes a PID with signal 0. EPERM means the process exists
// but belongs to someone else; for a loopback-local supervisor that still
// counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Inspect checks PID file presence and recomputes liveness. A PID file
// referencing a dead process is deleted on the spot and reported as not
// running with StaleCleaned set.
func (s *Supervisor) Inspect(role Role, key string) (*Status, error) {
	rec, err := s.ReadRecord(role, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// A missing record may still leave a malformed file behind.
		if _, statErr := os.Stat(s.PIDPath(role, key)); statErr == nil {
			_ = os.Remove(s.PIDPath(role, key))
			return &Status{Running: false, StaleCleaned: true}, nil
		}
		return &Status{Running: false}, nil
	}

	if processAlive(rec.PID) {
		return &Status{Running: true, PID: rec.PID}, nil
	}

	s.logger.Info("cleaned stale PID file",
		"role", role, "key", key, "pid", rec.PID, "code", errcode.StalePIDCleaned)
	if err := os.Remove(s.PIDPath(role, key)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale PID file: %w", err)
	}
	return &Status{Running: false, StaleCleaned: true}, nil
}

// StartSpec describes a daemon launch.
type StartSpec struct {
	Role       Role
	Key        string
	Args       []string // arguments to the current executable
	PortOrPath string

	// Ready confirms the daemon is actually serving, not merely forked.
	// Called repeatedly until it returns nil or the startup timeout lapses.
	Ready func(ctx context.Context) error
}

// Start launches a detached daemon process and returns once Ready
// confirms it is serving. PID-file creation uses O_EXCL so two concurrent
// Start calls for the same key cannot both believe they own the daemon;
// the loser re-checks liveness to distinguish a genuinely running daemon
// from a dead-but-present file.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (*Record, error) {
	if err := os.MkdirAll(filepath.Dir(s.PIDPath(spec.Role, spec.Key)), 0755); err != nil {
		return nil, errcode.New(errcode.DataDirError, "creating run directory: %v", err)
	}
	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return nil, errcode.New(errcode.DataDirError, "creating log directory: %v", err)
	}

	pidFile, err := s.claimPIDFile(spec.Role, spec.Key)
	if err != nil {
		return nil, err
	}

	rec, err := s.launch(ctx, spec, pidFile)
	if err != nil {
		_ = os.Remove(s.PIDPath(spec.Role, spec.Key))
		return nil, err
	}
	return rec, nil
}

// claimPIDFile creates the PID file exclusively, healing a stale file once.
func (s *Supervisor) claimPIDFile(role Role, key string) (*os.File, error) {
	path := s.PIDPath(role, key)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			// Stamp the file with our own (live) PID immediately so a
			// concurrent Inspect during the startup window sees a valid,
			// alive record instead of an empty file it would clean up.
			placeholder := Record{Role: role, PID: os.Getpid(), StartedAt: time.Now().UTC()}
			if data, marshalErr := json.Marshal(placeholder); marshalErr == nil {
				_, _ = f.Write(data)
			}
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, errcode.New(errcode.DataDirError, "creating PID file: %v", err)
		}

		// Lost the creation race or a file is lingering. Liveness decides.
		status, inspectErr := s.Inspect(role, key)
		if inspectErr != nil {
			return nil, inspectErr
		}
		if status.Running {
			return nil, errcode.New(errcode.Internal,
				"%s %q already running", role, key).With("pid", status.PID)
		}
		// Stale file was cleaned; one more attempt.
	}
	return nil, errcode.New(errcode.Internal, "could not claim PID file for %s %q", role, key)
}

// launch spawns the daemon, writes its record, and waits for readiness.
func (s *Supervisor) launch(ctx context.Context, spec StartSpec, pidFile *os.File) (*Record, error) {
	exe, err := os.Executable()
	if err != nil {
		pidFile.Close()
		return nil, fmt.Errorf("resolving executable: %w", err)
	}

	logFile, err := os.OpenFile(s.logPath(spec.Role, spec.Key),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		pidFile.Close()
		return nil, errcode.New(errcode.DataDirError, "opening daemon log: %v", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, spec.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		pidFile.Close()
		return nil, fmt.Errorf("spawning %s %q: %w", spec.Role, spec.Key, err)
	}

	rec := &Record{
		Role:       spec.Role,
		PID:        cmd.Process.Pid,
		PortOrPath: spec.PortOrPath,
		StartedAt:  time.Now().UTC(),
	}

	if err := writeRecord(pidFile, rec); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// The spawned process outlives us; reap it in the background so a
	// quick failure does not leave a zombie while we are still polling.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := s.awaitReady(ctx, spec, rec, waitCh); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	s.logger.Info("daemon started",
		"role", spec.Role, "key", spec.Key, "pid", rec.PID)
	return rec, nil
}

func writeRecord(pidFile *os.File, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		pidFile.Close()
		return fmt.Errorf("encoding daemon record: %w", err)
	}
	if err := pidFile.Truncate(0); err != nil {
		pidFile.Close()
		return fmt.Errorf("truncating PID file: %w", err)
	}
	if _, err := pidFile.WriteAt(data, 0); err != nil {
		pidFile.Close()
		return fmt.Errorf("writing PID file: %w", err)
	}
	return pidFile.Close()
}

// awaitReady polls spec.Ready until it succeeds, the child exits, or the
// startup timeout lapses. Returning before readiness is what closes the
// "listener startup window": callers may act the moment Start returns.
func (s *Supervisor) awaitReady(ctx context.Context, spec StartSpec, rec *Record, waitCh <-chan error) error {
	deadline := time.NewTimer(s.startupTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if spec.Ready == nil {
			return nil
		}
		if lastErr = spec.Ready(ctx); lastErr == nil {
			return nil
		}

		select {
		case err := <-waitCh:
			return fmt.Errorf("%s %q exited during startup (see %s): %w",
				spec.Role, spec.Key, s.logPath(spec.Role, spec.Key), errOrExit(err))
		case <-deadline.C:
			return errcode.New(errcode.ConnectionTimeout,
				"%s %q did not become ready within %s: %v",
				spec.Role, spec.Key, s.startupTimeout, lastErr).
				With("timeout", s.startupTimeout.String())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func errOrExit(err error) error {
	if err == nil {
		return fmt.Errorf("exited cleanly before becoming ready")
	}
	return err
}

// Stop terminates the daemon for role and key: SIGTERM, a bounded grace
// wait, then SIGKILL, then PID file removal. Stopping an already-stopped
// daemon is a no-op reporting stopped=false.
func (s *Supervisor) Stop(role Role, key string, grace time.Duration) (bool, error) {
	status, err := s.Inspect(role, key)
	if err != nil {
		return false, err
	}
	if !status.Running {
		return false, nil
	}

	s.logger.Info("stopping daemon", "role", role, "key", key, "pid", status.PID)
	if err := unix.Kill(status.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return false, fmt.Errorf("signaling %s %q: %w", role, key, err)
	}

	deadline := time.Now().Add(grace)
	for processAlive(status.PID) {
		if time.Now().After(deadline) {
			s.logger.Warn("daemon ignored SIGTERM, escalating",
				"role", role, "key", key, "pid", status.PID)
			_ = unix.Kill(status.PID, unix.SIGKILL)
			break
		}
		time.Sleep(readyPollInterval)
	}

	// Give SIGKILL a moment to take effect before declaring victory.
	for i := 0; i < 10 && processAlive(status.PID); i++ {
		time.Sleep(readyPollInterval)
	}

	if err := os.Remove(s.PIDPath(role, key)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing PID file: %w", err)
	}
	return true, nil
}

// RemovePIDFile deletes the PID file without touching the process. Daemons
// call this on their own exit path so Inspect reports truthfully.
func (s *Supervisor) RemovePIDFile(role Role, key string) error {
	if err := os.Remove(s.PIDPath(role, key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteOwnRecord writes a PID file for the calling process itself. Used by
// daemons that are started in the foreground (hub run) rather than through
// Start.
func (s *Supervisor) WriteOwnRecord(role Role, key, portOrPath string) error {
	path := s.PIDPath(role, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errcode.New(errcode.DataDirError, "creating run directory: %v", err)
	}

	rec := Record{
		Role:       role,
		PID:        os.Getpid(),
		PortOrPath: portOrPath,
		StartedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding daemon record: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
