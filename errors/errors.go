package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Kind is the terminal classification a job surfaces to its caller.
type Kind string

const (
	KindNetworkPlaylist Kind = "network_playlist"
	KindNoSegments      Kind = "no_segments"
	KindFetchFloor      Kind = "fetch_floor"
	KindFormatInvalid   Kind = "format_invalid"
	KindSinkFailure     Kind = "sink_failure"
	KindCancelled       Kind = "cancelled"
	KindStallTimeout    Kind = "stall_timeout"
	KindConcurrency     Kind = "concurrency"
)

type DownloadError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *DownloadError {
	return &DownloadError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *DownloadError {
	return &DownloadError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the terminal kind carried by err, or "" when err carries none.
func KindOf(err error) Kind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled || errors.Is(err, context.Canceled)
}

// Unretriable wraps an error to mark it as something that should not be
// retried. Retry loops built on backoff.Retry stop as soon as they see it.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	return errors.As(err, &permErr)
}
