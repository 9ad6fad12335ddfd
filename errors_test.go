package urlfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, KindUnclassified},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "u", Err: timeoutErr{}}, KindTimeout},
		{"unexpected eof", &url.Error{Op: "Get", URL: "u", Err: io.ErrUnexpectedEOF}, KindProtocol},
		{"dial", &url.Error{Op: "Get", URL: "u", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, KindConnection},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, KindConnection},
		{"malformed", &url.Error{Op: "Get", URL: "u", Err: errors.New("net/http: HTTP/1.x transport connection broken: malformed HTTP response")}, KindProtocol},
		{"client", &url.Error{Op: "Get", URL: "u", Err: errors.New("stopped after 10 redirects")}, KindClient},
		{"other", errors.New("something odd"), KindUnclassified},
		{"wrapped transport error", fmt.Errorf("outer: %w", &TransportError{Kind: KindConnection}), KindConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFailureKind_Transient(t *testing.T) {
	for _, k := range []FailureKind{KindTimeout, KindConnection, KindProtocol, KindClient} {
		assert.True(t, k.Transient(), k.String())
	}
	assert.False(t, KindUnclassified.Transient())
}

func TestTransportError(t *testing.T) {
	cause := errors.New("refused")
	err := &TransportError{Kind: KindConnection, Transport: "pooled", URL: "http://x", StatusCode: 502, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &TransportError{Kind: KindConnection})
	assert.ErrorIs(t, err, &TransportError{Kind: KindConnection, Transport: "pooled"})
	assert.NotErrorIs(t, err, &TransportError{Kind: KindTimeout})
	assert.NotErrorIs(t, err, &TransportError{Kind: KindConnection, Transport: "async"})
	assert.Equal(t, "pooled: connection error fetching http://x (status 502): refused", err.Error())
}

func TestNewTransportError_KeepsExisting(t *testing.T) {
	inner := &TransportError{Kind: KindTimeout, Transport: "async"}
	got := newTransportError("pooled", "http://x", fmt.Errorf("wrap: %w", inner))
	assert.Same(t, inner, got)
}
