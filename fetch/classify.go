package fetch

import (
	"context"
	"errors"
	"net/http"
)

// ErrorClass drives the retry decision and the delay formula.
type ErrorClass int

const (
	// Connection resets, DNS failures, unclassified statuses.
	ClassTransport ErrorClass = iota
	// 429 and 503: the origin is shedding load.
	ClassRateLimited
	// 500, 502, 504: transient server-side failures.
	ClassServerTransient
	// Remaining 4xx: retrying cannot help.
	ClassClientFatal
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerTransient:
		return "server_transient"
	case ClassClientFatal:
		return "client_fatal"
	case ClassCancelled:
		return "cancelled"
	}
	return "transport"
}

// Classify maps a fetch error onto its retry class. 408 and 429 are carved
// out of the otherwise-fatal 4xx range.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == http.StatusTooManyRequests || statusErr.Status == http.StatusServiceUnavailable:
			return ClassRateLimited
		case statusErr.Status == http.StatusInternalServerError ||
			statusErr.Status == http.StatusBadGateway ||
			statusErr.Status == http.StatusGatewayTimeout:
			return ClassServerTransient
		case statusErr.Status == http.StatusRequestTimeout:
			return ClassTransport
		case statusErr.Status >= 400 && statusErr.Status < 500:
			return ClassClientFatal
		}
	}
	return ClassTransport
}
