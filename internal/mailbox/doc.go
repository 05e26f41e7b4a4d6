// Package mailbox stores delivered messages as per-identity JSONL files.
//
// # Layout
//
// Each identity owns three paths under the mailbox directory:
//
//   - <name>.jsonl: the inbox, one JSON entry per line, append order
//   - <name>.jsonl.processing: a staged inbox mid-clear
//   - <name>.jsonl.lock: the advisory lock file
//
// # Locking
//
// Every read and write takes an exclusive flock on the lock file, polled
// with a bounded timeout so a wedged process cannot block readers
// forever. The lock covers the whole read-and-clear sequence, which is
// what makes check --clear atomic against a concurrently appending
// listener.
//
// # Crash safety
//
// A clear renames the inbox to the processing path before reading it, so
// a crash mid-clear loses nothing: the next operation finds the staged
// file and prepends it back onto the inbox before proceeding.
package mailbox
