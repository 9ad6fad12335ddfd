package urlfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned by a Store when no live entry exists for a key
	ErrNotFound = errors.New("cached content not found")

	// ErrRetriesExhausted is returned by Fetch when every attempt failed.
	// It means "no data", never "empty successful response".
	ErrRetriesExhausted = errors.New("fetch failed after retries")

	// ErrTaskPanicked wraps a panic recovered inside a worker pool task
	ErrTaskPanicked = errors.New("worker pool task panicked")

	// ErrLoopClosed is returned when work is handed to a stopped event loop
	ErrLoopClosed = errors.New("event loop closed")

	// ErrUnknownStrategy is returned for an unrecognised transport strategy name
	ErrUnknownStrategy = errors.New("unknown transport strategy")
)

// FailureKind is the closed set of reasons a fetch attempt can fail.
type FailureKind int

const (
	KindUnclassified FailureKind = iota
	KindTimeout
	KindConnection
	KindProtocol
	KindClient
)

func (k FailureKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindClient:
		return "client"
	default:
		return "unclassified"
	}
}

// Transient reports whether this kind is an expected network failure rather
// than a bug or a malformed request.
func (k FailureKind) Transient() bool {
	return k != KindUnclassified
}

// TransportError describes one failed fetch attempt.
type TransportError struct {
	Kind       FailureKind
	Transport  string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s error fetching %s", e.Transport, e.Kind, e.URL)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches another *TransportError of the same kind.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Transport == "" || t.Transport == e.Transport)
}

// Classify maps an error returned by net/http (or by body decoding) onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnclassified
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindProtocol
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if strings.Contains(urlErr.Err.Error(), "malformed HTTP") {
			return KindProtocol
		}
		return KindClient
	}

	return KindUnclassified
}

// newTransportError classifies err and tags it with the transport and URL.
func newTransportError(transport, rawURL string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{
		Kind:      Classify(err),
		Transport: transport,
		URL:       rawURL,
		Err:       err,
	}
}
