package urlfetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Transport fetches the content of one request. Implementations are
// interchangeable; the Service picks one at construction time.
type Transport interface {
	// Name labels logs and metrics
	Name() string

	// RetriesInternally reports whether Fetch consumes the retry budget itself,
	// in which case the Service makes a single outer attempt.
	RetriesInternally() bool

	// Fetch performs the request. retries is the budget for transports that
	// retry internally and is ignored by the others.
	Fetch(ctx context.Context, spec RequestSpec, retries int) (*Content, error)

	// Close releases idle connections and background goroutines.
	Close() error
}

// TransportConfig is shared by the built-in transports.
type TransportConfig struct {
	// Headers are sent when a spec carries none
	Headers map[string]string
	// Timeout bounds one attempt, including reading the body
	Timeout time.Duration
	// MaxConns caps concurrent connections for pooled and async transports
	MaxConns int
	Logger   zerolog.Logger
	Metrics  *Metrics
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.Headers == nil {
		c.Headers = FakeHeaders
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultAttemptTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = URLCachePool
	}
	return c
}

// NewTransport builds the built-in transport for a strategy.
func NewTransport(s Strategy, cfg TransportConfig) (Transport, error) {
	switch s {
	case StrategyAsync, "":
		return NewAsyncTransport(cfg), nil
	case StrategyPooled:
		return NewPooledTransport(cfg), nil
	case StrategyMinimal:
		return NewMinimalTransport(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// clientPair holds one client verifying certificates and one that does not.
type clientPair struct {
	secure   *http.Client
	insecure *http.Client
}

func (p clientPair) pick(spec RequestSpec) *http.Client {
	if spec.InsecureSkipVerify {
		return p.insecure
	}
	return p.secure
}

func (p clientPair) closeIdle() {
	p.secure.CloseIdleConnections()
	p.insecure.CloseIdleConnections()
}

func newHTTPTransport(insecure bool, tune func(*http.Transport)) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec // caller opted out per request
	if tune != nil {
		tune(t)
	}
	return t
}

// newRequest turns a normalized spec into an *http.Request.
func newRequest(ctx context.Context, spec RequestSpec, defaults map[string]string) (*http.Request, error) {
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, err
	}

	headers := spec.Headers
	if len(headers) == 0 {
		headers = defaults
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if len(spec.Cookies) > 0 {
		names := make([]string, 0, len(spec.Cookies))
		for name := range spec.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			req.AddCookie(&http.Cookie{Name: name, Value: spec.Cookies[name]})
		}
	}
	return req, nil
}

// attempt performs one request/response exchange bounded by timeout.
// With rejectStatus set, HTTP error statuses fail the attempt.
func attempt(ctx context.Context, name string, client *http.Client, spec RequestSpec, cfg TransportConfig, rejectStatus bool) (*Content, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := newRequest(ctx, spec, cfg.Headers)
	if err != nil {
		return nil, &TransportError{Kind: KindUnclassified, Transport: name, URL: spec.URL, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, newTransportError(name, spec.URL, err)
	}
	defer resp.Body.Close()

	if rejectStatus && resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{
			Kind:       KindConnection,
			Transport:  name,
			URL:        spec.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("http status %s", resp.Status),
		}
	}

	data, err := readBody(resp)
	if err != nil {
		te := newTransportError(name, spec.URL, err)
		if te.Kind != KindTimeout {
			te.Kind = KindProtocol
		}
		te.StatusCode = resp.StatusCode
		return nil, te
	}

	return decodeContent(data, resp.Header.Get("Content-Type"), spec.Encoding), nil
}
