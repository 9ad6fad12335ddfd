package urlfetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allTransports(cfg TransportConfig) map[string]Transport {
	return map[string]Transport{
		"minimal": NewMinimalTransport(cfg),
		"pooled":  NewPooledTransport(cfg),
		"async":   NewAsyncTransport(cfg),
	}
}

func TestNewTransport(t *testing.T) {
	for s, want := range map[Strategy]string{"": "async", StrategyAsync: "async", StrategyPooled: "pooled", StrategyMinimal: "minimal"} {
		tr, err := NewTransport(s, TransportConfig{})
		require.NoError(t, err)
		assert.Equal(t, want, tr.Name())
		assert.NoError(t, tr.Close())
	}

	_, err := NewTransport("carrier-pigeon", TransportConfig{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestTransports_SendSpec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c, _ := r.Cookie("sid")
		sid := ""
		if c != nil {
			sid = c.Value
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, r.Method+"|"+r.Header.Get("X-Test")+"|"+string(body)+"|"+sid)
	}))
	defer srv.Close()

	for name, tr := range allTransports(TransportConfig{}) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			spec := RequestSpec{
				URL:     srv.URL,
				Method:  "POST",
				Headers: map[string]string{"X-Test": "yes"},
				Body:    []byte("payload"),
				Cookies: map[string]string{"sid": "42"},
			}.normalize()

			c, err := tr.Fetch(context.Background(), spec, 0)
			require.NoError(t, err)
			assert.Equal(t, "POST|yes|payload|42", c.String())
		})
	}
}

func TestTransports_DefaultHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	tr := NewPooledTransport(TransportConfig{})
	defer tr.Close()

	c, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 0)
	require.NoError(t, err)
	assert.Equal(t, FakeHeaders["User-Agent"], c.String())
}

func TestTransports_GzipAndCharset(t *testing.T) {
	body := gzipped(t, string(gbk(t, "压缩的中文")))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=gbk")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(body)
	}))
	defer srv.Close()

	for name, tr := range allTransports(TransportConfig{}) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			c, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 0)
			require.NoError(t, err)
			assert.Equal(t, "压缩的中文", c.String())
			assert.Equal(t, "gbk", c.Charset)
		})
	}
}

func TestTransports_Raw(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	for name, tr := range allTransports(TransportConfig{}) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			c, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL, Encoding: RawEncoding}.normalize(), 0)
			require.NoError(t, err)
			assert.True(t, c.Raw)
			assert.Equal(t, payload, c.Data)
		})
	}
}

func TestTransports_StatusHandling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	spec := RequestSpec{URL: srv.URL}.normalize()

	minimal := NewMinimalTransport(TransportConfig{})
	defer minimal.Close()
	_, err := minimal.Fetch(context.Background(), spec, 0)
	require.Error(t, err)
	assert.Equal(t, KindConnection, Classify(err))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)

	pooled := NewPooledTransport(TransportConfig{})
	defer pooled.Close()
	c, err := pooled.Fetch(context.Background(), spec, 0)
	require.NoError(t, err)
	assert.Equal(t, "gone\n", c.String())
}

func TestTransports_TLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secret")
	}))
	defer srv.Close()

	for name, tr := range allTransports(TransportConfig{Timeout: 5 * time.Second}) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()

			_, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 0)
			assert.Error(t, err, "self-signed certificate must be rejected")

			c, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL, InsecureSkipVerify: true}.normalize(), 0)
			require.NoError(t, err)
			assert.Equal(t, "secret", c.String())
		})
	}
}

func TestTransports_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewPooledTransport(TransportConfig{Timeout: 30 * time.Millisecond})
	defer tr.Close()

	_, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 0)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify(err))
}

func TestAsyncTransport_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := NewAsyncTransport(TransportConfig{Metrics: m})
	defer tr.Close()

	_, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 2)
	require.Error(t, err)
	assert.True(t, Classify(err).Transient())
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.retriesTotal.WithLabelValues("async")))
}

func TestAsyncTransport_RetriesUnexpectedFailures(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := NewAsyncTransport(TransportConfig{Metrics: m, Logger: zerolog.New(&buf)})
	defer tr.Close()

	spec := RequestSpec{URL: "http://example.com", Method: "NOT A METHOD"}.normalize()
	_, err := tr.Fetch(context.Background(), spec, 2)
	require.Error(t, err)
	assert.Equal(t, KindUnclassified, Classify(err))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.retriesTotal.WithLabelValues("async")))
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestAsyncTransport_SucceedsAfterRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		io.WriteString(w, "second time lucky")
	}))
	defer srv.Close()

	tr := NewAsyncTransport(TransportConfig{})
	defer tr.Close()

	c, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 3)
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", c.String())
	assert.Equal(t, int32(2), hits.Load())
}

func TestAsyncTransport_SharesCookieJar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			return
		}
		c, err := r.Cookie("session")
		if err != nil {
			io.WriteString(w, "anonymous")
			return
		}
		io.WriteString(w, c.Value)
	}))
	defer srv.Close()

	tr := NewAsyncTransport(TransportConfig{})
	defer tr.Close()
	ctx := context.Background()

	_, err := tr.Fetch(ctx, RequestSpec{URL: srv.URL + "/login"}.normalize(), 0)
	require.NoError(t, err)

	c, err := tr.Fetch(ctx, RequestSpec{URL: srv.URL + "/me"}.normalize(), 0)
	require.NoError(t, err)
	assert.Equal(t, "s1", c.String())

	// explicit cookies bypass the jar
	c, err = tr.Fetch(ctx, RequestSpec{URL: srv.URL + "/me", Cookies: map[string]string{"other": "x"}}.normalize(), 0)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", c.String())
}

func TestMinimalTransport_SingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewMinimalTransport(TransportConfig{})
	defer tr.Close()
	assert.False(t, tr.RetriesInternally())

	_, err := tr.Fetch(context.Background(), RequestSpec{URL: srv.URL}.normalize(), 5)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
