/*
Package sink is the thin contract between the assembly engine and whatever
materializes bytes as a named output: a local file, a streaming target, or a
host-runtime hand-off. Implementations guarantee commit-or-abort atomicity:
the named output is visible iff Commit returned nil.
*/
package sink

import (
	"errors"
	"io"
)

// ErrWantParts is returned by Begin when the sink refuses single-file
// output at the requested size. The engine reacts by emitting size-bounded
// parts instead.
var ErrWantParts = errors.New("sink refuses single-file output of this size")

type Handle interface {
	io.Writer

	// Commit makes the output visible under its final name.
	Commit() error

	// Abort discards everything written; no visible output remains.
	Abort() error
}

type Sink interface {
	Begin(name string, expectedSize int64) (Handle, error)
}
