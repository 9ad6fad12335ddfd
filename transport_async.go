package urlfetch

import (
	"context"
	"net/http"
	"net/http/cookiejar"

	"golang.org/x/net/publicsuffix"
)

// AsyncTransport dispatches every request onto one shared EventLoop and
// retries failures itself. Each retry is logged, as an error when the failure
// kind is unexpected.
type AsyncTransport struct {
	cfg  TransportConfig
	loop *EventLoop

	// jarred share a cookie jar; plain is used when a spec brings its own cookies
	jarred clientPair
	plain  clientPair
}

// NewAsyncTransport creates an AsyncTransport and starts its event loop.
func NewAsyncTransport(cfg TransportConfig) *AsyncTransport {
	cfg = cfg.withDefaults()
	tune := func(t *http.Transport) {
		t.MaxIdleConns = cfg.MaxConns
		t.MaxIdleConnsPerHost = cfg.MaxConns
	}
	secure := newHTTPTransport(false, tune)
	insecure := newHTTPTransport(true, tune)

	// cookiejar.New never returns an error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &AsyncTransport{
		cfg:  cfg,
		loop: NewEventLoop(cfg.MaxConns, cfg.Logger),
		jarred: clientPair{
			secure:   &http.Client{Transport: secure, Jar: jar},
			insecure: &http.Client{Transport: insecure, Jar: jar},
		},
		plain: clientPair{
			secure:   &http.Client{Transport: secure},
			insecure: &http.Client{Transport: insecure},
		},
	}
}

func (t *AsyncTransport) Name() string { return string(StrategyAsync) }

func (t *AsyncTransport) RetriesInternally() bool { return true }

// Fetch makes up to retries+1 attempts on the event loop.
func (t *AsyncTransport) Fetch(ctx context.Context, spec RequestSpec, retries int) (*Content, error) {
	return t.loop.Call(ctx, func(ctx context.Context) (*Content, error) {
		return t.fetchWithRetries(ctx, spec, retries)
	})
}

func (t *AsyncTransport) fetchWithRetries(ctx context.Context, spec RequestSpec, retries int) (*Content, error) {
	clients := t.jarred
	if len(spec.Cookies) > 0 {
		clients = t.plain
	}
	client := clients.pick(spec)

	var lastErr error
	for i := 0; i <= retries; i++ {
		content, err := attempt(ctx, t.Name(), client, spec, t.cfg, false)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if i == retries || ctx.Err() != nil {
			break
		}
		kind := Classify(err)
		ev := t.cfg.Logger.Warn()
		if !kind.Transient() {
			ev = t.cfg.Logger.Error()
		}
		ev.Str("url", spec.URL).
			Stringer("kind", kind).
			Int("retry", i+1).
			Int("of", retries).
			Err(err).
			Msg("request failed, retrying")
		t.cfg.Metrics.retry(t.Name())
	}
	return nil, lastErr
}

func (t *AsyncTransport) Close() error {
	t.loop.Close()
	t.jarred.closeIdle()
	return nil
}
