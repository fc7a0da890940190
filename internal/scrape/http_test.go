package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

const productHTML = `<html><head><title>Widget</title></head>
<body><h1>Widget</h1><span class="price">$19.99</span></body></html>`

func TestHTTPFetcher_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pricescout-test", r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 14 Oct 2026 10:00:00 GMT")
		w.Write([]byte(productHTML))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil, WithUserAgent("pricescout-test"))
	page, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL + "/p/1"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.HTML, "$19.99")
	assert.Equal(t, `"v1"`, page.ETag())
	assert.Equal(t, "Wed, 14 Oct 2026 10:00:00 GMT", page.LastModified())
	assert.False(t, page.NotModified)
	assert.Equal(t, model.TierDirect, f.Tier())
	assert.True(t, f.SupportsConditional())
}

func TestHTTPFetcher_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(productHTML))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil)
	page, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL, ETag: `"v1"`})
	require.NoError(t, err)
	assert.True(t, page.NotModified)
	assert.Equal(t, http.StatusNotModified, page.StatusCode)
}

func TestHTTPFetcher_IfModifiedSince(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil)
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL, LastModified: "Wed, 14 Oct 2026 10:00:00 GMT"})
	require.NoError(t, err)
	assert.Equal(t, "Wed, 14 Oct 2026 10:00:00 GMT", got)
}

func TestHTTPFetcher_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil)
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.Error(t, err)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.True(t, blocked.RateLimited)
	assert.Equal(t, http.StatusTooManyRequests, blocked.StatusCode)
	assert.Equal(t, KindBlocked, Classify(err))
}

func TestHTTPFetcher_CaptchaPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>Verify you are human</body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil)
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockCaptcha, blocked.Block)
	assert.False(t, blocked.RateLimited)
}

func TestHTTPFetcher_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil)
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	assert.False(t, netErr.Timeout)
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(model.TierDirect, nil, WithTimeout(50*time.Millisecond))
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout)
}

func TestHTTPFetcher_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(productHTML))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher(model.TierDirect, nil)
	_, err := f.Fetch(ctx, FetchRequest{URL: srv.URL})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCanceled, Classify(err))
}

func TestHTTPFetcher_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(model.TierDirect, nil, WithMaxBody(1024))
	page, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, page.HTML, 1024)
}

func TestHTTPFetcher_RoutesThroughProxy(t *testing.T) {
	var seenHost, seenURI string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenURI = r.RequestURI
		w.Write([]byte(productHTML))
	}))
	defer proxy.Close()

	pool, err := NewProxyPool([]string{proxy.URL}, resilience.CircuitBreakerConfig{})
	require.NoError(t, err)

	f := NewHTTPFetcher(model.TierFreeRotating, pool)
	page, err := f.Fetch(context.Background(), FetchRequest{URL: "http://shop.example/p/1"})
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "Widget")
	assert.Equal(t, "shop.example", seenHost)
	assert.Equal(t, "http://shop.example/p/1", seenURI)
}

func TestHTTPFetcher_EmptyPoolIsConfigurationError(t *testing.T) {
	pool, err := NewProxyPool(nil, resilience.CircuitBreakerConfig{})
	require.NoError(t, err)

	f := NewHTTPFetcher(model.TierCheapPaid, pool)
	_, err = f.Fetch(context.Background(), FetchRequest{URL: "https://shop.example/p/1"})
	assert.Equal(t, KindConfiguration, Classify(err))
}

func TestHTTPFetcher_DeadProxyTripsBreaker(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, "https://shop.example/p/1",
		httpmock.NewErrorResponder(errors.New("proxyconnect tcp: connection refused")))

	pool, err := NewProxyPool([]string{"10.0.0.1:3128", "10.0.0.2:3128"},
		resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	require.NoError(t, err)

	f := NewHTTPFetcher(model.TierFreeRotating, pool, WithClient(&http.Client{Transport: mt}))

	for range 2 {
		_, err = f.Fetch(context.Background(), FetchRequest{URL: "https://shop.example/p/1"})
		assert.Equal(t, KindNetwork, Classify(err))
	}
	states := pool.States()
	assert.Equal(t, resilience.CircuitOpen, states["10.0.0.1:3128"])
	assert.Equal(t, resilience.CircuitOpen, states["10.0.0.2:3128"])

	_, err = f.Fetch(context.Background(), FetchRequest{URL: "https://shop.example/p/1"})
	assert.ErrorIs(t, err, ErrProxiesExhausted)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestHTTPFetcher_MockedProxyTier(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, "https://shop.example/p/1",
		httpmock.NewStringResponder(http.StatusOK, productHTML).HeaderSet(http.Header{"Etag": {`"abc"`}}))

	pool, err := NewProxyPool([]string{"http://10.0.0.1:3128"}, resilience.CircuitBreakerConfig{})
	require.NoError(t, err)

	f := NewHTTPFetcher(model.TierCheapPaid, pool, WithClient(&http.Client{Transport: mt}))
	page, err := f.Fetch(context.Background(), FetchRequest{URL: "https://shop.example/p/1"})
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, page.ETag())
	assert.Equal(t, resilience.CircuitClosed, pool.States()["10.0.0.1:3128"])
}
