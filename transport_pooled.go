package urlfetch

import (
	"context"
	"net/http"
)

// PooledTransport keeps persistent connections sized to the worker pool.
// It makes one attempt per call; reconnects are handled by the connection
// pool and the Service's outer loop provides the retries.
type PooledTransport struct {
	cfg     TransportConfig
	clients clientPair
}

// NewPooledTransport creates a PooledTransport.
func NewPooledTransport(cfg TransportConfig) *PooledTransport {
	cfg = cfg.withDefaults()
	tune := func(t *http.Transport) {
		t.MaxIdleConns = cfg.MaxConns
		t.MaxIdleConnsPerHost = cfg.MaxConns
		t.MaxConnsPerHost = cfg.MaxConns
	}
	return &PooledTransport{
		cfg: cfg,
		clients: clientPair{
			secure:   &http.Client{Transport: newHTTPTransport(false, tune)},
			insecure: &http.Client{Transport: newHTTPTransport(true, tune)},
		},
	}
}

func (t *PooledTransport) Name() string { return string(StrategyPooled) }

func (t *PooledTransport) RetriesInternally() bool { return false }

func (t *PooledTransport) Fetch(ctx context.Context, spec RequestSpec, _ int) (*Content, error) {
	return attempt(ctx, t.Name(), t.clients.pick(spec), spec, t.cfg, false)
}

func (t *PooledTransport) Close() error {
	t.clients.closeIdle()
	return nil
}
