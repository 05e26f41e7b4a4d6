// ABOUTME: Crash-safe per-identity mailbox storage as append-only JSON Lines files.
// ABOUTME: Advisory flock with bounded acquisition guards append, read, and clear.

package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/2389/courier/internal/errcode"
)

// Entry is one persisted mailbox line: who sent what, when.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
}

// lockPollInterval is how often a blocked caller retries the advisory lock.
const lockPollInterval = 50 * time.Millisecond

// Store manages the mailbox files for all identities under one directory.
// Layout per identity: <dir>/<name>.jsonl (inbox), <dir>/<name>.jsonl.processing
// (clear in flight), <dir>/<name>.lock (advisory lock file).
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, lockTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errcode.New(errcode.DataDirError,
			"creating mailbox directory: %v", err).With("dir", dir)
	}
	return &Store{dir: dir, lockTimeout: lockTimeout, logger: logger}, nil
}

// Path returns the inbox file path for an identity.
func (s *Store) Path(identity string) string {
	return filepath.Join(s.dir, identity+".jsonl")
}

func (s *Store) processingPath(identity string) string {
	return s.Path(identity) + ".processing"
}

func (s *Store) lockPath(identity string) string {
	return filepath.Join(s.dir, identity+".lock")
}

// acquireLock takes the identity's exclusive advisory lock, polling until
// the configured timeout. The returned release func must be called exactly
// once. Failure after the timeout is LOCK_TIMEOUT, never an indefinite hang.
func (s *Store) acquireLock(identity string) (release func(), err error) {
	f, err := os.OpenFile(s.lockPath(identity), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errcode.New(errcode.DataDirError,
			"opening lock file: %v", err).With("identity", identity)
	}

	deadline := time.Now().Add(s.lockTimeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() {
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
				_ = f.Close()
			}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, errcode.New(errcode.LockTimeout,
				"could not acquire mailbox lock within %s", s.lockTimeout).
				With("identity", identity).
				With("timeout", s.lockTimeout.String())
		}
		time.Sleep(lockPollInterval)
	}
}

// Append writes one entry to the identity's inbox. The line is written and
// flushed while the lock is held, so concurrent readers never observe a
// partial line. A transient write failure is retried once after a short
// backoff before surfacing.
func (s *Store) Append(identity string, entry Entry) error {
	release, err := s.acquireLock(identity)
	if err != nil {
		return err
	}
	defer release()

	if err := s.recoverLocked(identity); err != nil {
		return err
	}

	err = s.appendLocked(identity, entry)
	if err != nil {
		s.logger.Warn("mailbox append failed, retrying once",
			"identity", identity, "error", err)
		time.Sleep(100 * time.Millisecond)
		err = s.appendLocked(identity, entry)
	}
	return err
}

func (s *Store) appendLocked(identity string, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding mailbox entry: %w", err)
	}

	f, err := os.OpenFile(s.Path(identity), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errcode.New(errcode.DataDirError,
			"opening mailbox: %v", err).With("identity", identity)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending mailbox entry: %w", err)
	}
	return f.Sync()
}

// Read returns up to limit entries from the identity's inbox (all entries
// when limit <= 0). With clear set, the returned entries are removed while
// every entry beyond the limit is preserved; one lock covers the whole
// read+clear sequence, so an append racing with the clear can never be lost.
func (s *Store) Read(identity string, limit int, clear bool) ([]Entry, error) {
	release, err := s.acquireLock(identity)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.recoverLocked(identity); err != nil {
		return nil, err
	}

	if !clear {
		return s.readLocked(identity, limit)
	}
	return s.clearLocked(identity, limit)
}

// readLocked streams entries line by line, stopping at limit rather than
// parsing the whole file.
func (s *Store) readLocked(identity string, limit int) ([]Entry, error) {
	f, err := os.Open(s.Path(identity))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, errcode.New(errcode.DataDirError,
			"opening mailbox: %v", err).With("identity", identity)
	}
	defer f.Close()

	return decodeEntries(f, limit, s.logger)
}

// clearLocked removes exactly the entries read, using atomic rename as the
// crash-safety primitive: the inbox becomes a .processing file before any
// destructive step, so a kill mid-clear leaves every unread entry
// recoverable by recoverLocked on the next operation.
func (s *Store) clearLocked(identity string, limit int) ([]Entry, error) {
	inbox := s.Path(identity)
	processing := s.processingPath(identity)

	if err := os.Rename(inbox, processing); err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, errcode.New(errcode.DataDirError,
			"staging mailbox clear: %v", err).With("identity", identity)
	}

	f, err := os.Open(processing)
	if err != nil {
		return nil, errcode.New(errcode.DataDirError,
			"opening staged mailbox: %v", err).With("identity", identity)
	}
	defer f.Close()

	// One buffered reader serves both the parsed head and the raw tail:
	// copying the remainder straight from the file offset would lose
	// whatever the reader had buffered past the last consumed line.
	br := bufio.NewReader(f)
	entries, err := parseEntries(br, limit, s.logger)
	if err != nil {
		return nil, err
	}

	// Entries beyond the limit go back into a fresh inbox in order, ahead
	// of any append that happens after the lock is released.
	if limit > 0 {
		if err := s.writeRemainder(identity, br); err != nil {
			return nil, err
		}
	}

	if err := os.Remove(processing); err != nil {
		return nil, errcode.New(errcode.DataDirError,
			"removing staged mailbox: %v", err).With("identity", identity)
	}
	return entries, nil
}

// writeRemainder copies the unread tail of the staged file into a new inbox.
func (s *Store) writeRemainder(identity string, staged io.Reader) error {
	tmp := s.Path(identity) + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errcode.New(errcode.DataDirError,
			"creating mailbox remainder: %v", err).With("identity", identity)
	}

	n, err := io.Copy(out, staged)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copying mailbox remainder: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("syncing mailbox remainder: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing mailbox remainder: %w", err)
	}

	if n == 0 {
		// Nothing left over; do not leave an empty inbox behind.
		return os.Remove(tmp)
	}
	return os.Rename(tmp, s.Path(identity))
}

// recoverLocked folds a .processing file left by a crashed clear back into
// the inbox, preserving original order: staged entries were older than
// anything appended since.
func (s *Store) recoverLocked(identity string) error {
	processing := s.processingPath(identity)
	staged, err := os.Open(processing)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errcode.New(errcode.DataDirError,
			"opening staged mailbox: %v", err).With("identity", identity)
	}
	defer staged.Close()

	s.logger.Warn("recovering mailbox from interrupted clear", "identity", identity)

	tmp := s.Path(identity) + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errcode.New(errcode.DataDirError,
			"creating recovery mailbox: %v", err).With("identity", identity)
	}

	if _, err := io.Copy(out, staged); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("recovering staged entries: %w", err)
	}

	if inbox, err := os.Open(s.Path(identity)); err == nil {
		_, copyErr := io.Copy(out, inbox)
		_ = inbox.Close()
		if copyErr != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("recovering inbox entries: %w", copyErr)
		}
	} else if !os.IsNotExist(err) {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("opening inbox during recovery: %w", err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("syncing recovery mailbox: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing recovery mailbox: %w", err)
	}

	if err := os.Rename(tmp, s.Path(identity)); err != nil {
		return fmt.Errorf("installing recovered mailbox: %w", err)
	}
	return os.Remove(processing)
}

// Remove deletes an identity's mailbox files entirely. Used by unregister
// after any archival step has drained the entries.
func (s *Store) Remove(identity string) error {
	release, err := s.acquireLock(identity)
	if err != nil {
		return err
	}
	defer release()

	for _, path := range []string{s.Path(identity), s.processingPath(identity)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errcode.New(errcode.DataDirError,
				"removing mailbox: %v", err).With("identity", identity)
		}
	}
	return nil
}

// decodeEntries reads JSON lines from r, up to limit (unbounded when
// limit <= 0). Unparseable lines are logged and skipped rather than
// failing the whole read.
func decodeEntries(r io.Reader, limit int, logger *slog.Logger) ([]Entry, error) {
	return parseEntries(bufio.NewReader(r), limit, logger)
}

// parseEntries consumes lines from br up to limit entries, leaving the
// remainder buffered in br for the caller.
func parseEntries(br *bufio.Reader, limit int, logger *slog.Logger) ([]Entry, error) {
	entries := []Entry{}
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytesTrimNewline(line)
			if len(trimmed) > 0 {
				var entry Entry
				if jsonErr := json.Unmarshal(trimmed, &entry); jsonErr != nil {
					logger.Warn("skipping malformed mailbox line", "error", jsonErr)
				} else {
					entries = append(entries, entry)
					if limit > 0 && len(entries) == limit {
						return entries, nil
					}
				}
			}
		}
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scanning mailbox: %w", err)
		}
	}
}

func bytesTrimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
