package urlfetch

import (
	"context"
	"net/http"
)

// MinimalTransport makes exactly one attempt per call over a fresh,
// non-pooled connection. Gzip bodies are decompressed here and HTTP error
// statuses count as connection failures; retrying is left to the Service.
type MinimalTransport struct {
	cfg     TransportConfig
	clients clientPair
}

// NewMinimalTransport creates a MinimalTransport.
func NewMinimalTransport(cfg TransportConfig) *MinimalTransport {
	cfg = cfg.withDefaults()
	tune := func(t *http.Transport) {
		t.DisableKeepAlives = true
		t.DisableCompression = true
	}
	return &MinimalTransport{
		cfg: cfg,
		clients: clientPair{
			secure:   &http.Client{Transport: newHTTPTransport(false, tune)},
			insecure: &http.Client{Transport: newHTTPTransport(true, tune)},
		},
	}
}

func (t *MinimalTransport) Name() string { return string(StrategyMinimal) }

func (t *MinimalTransport) RetriesInternally() bool { return false }

func (t *MinimalTransport) Fetch(ctx context.Context, spec RequestSpec, _ int) (*Content, error) {
	return attempt(ctx, t.Name(), t.clients.pick(spec), spec, t.cfg, true)
}

func (t *MinimalTransport) Close() error {
	t.clients.closeIdle()
	return nil
}
