package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/resilience"
)

func TestProxyPool_RoundRobin(t *testing.T) {
	pool, err := NewProxyPool([]string{"http://a.proxy:8080", "b.proxy:8080", "socks5://c.proxy:1080"},
		resilience.CircuitBreakerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Len())

	var hosts []string
	for range 4 {
		p, err := pool.Next()
		require.NoError(t, err)
		hosts = append(hosts, p.Host)
	}
	assert.Equal(t, []string{"a.proxy:8080", "b.proxy:8080", "c.proxy:1080", "a.proxy:8080"}, hosts)
}

func TestProxyPool_SkipsOpenCircuit(t *testing.T) {
	pool, err := NewProxyPool([]string{"http://a.proxy:8080", "http://b.proxy:8080"},
		resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	require.NoError(t, err)

	a, _ := pool.Next()
	pool.Record(a, false)
	pool.Record(a, false)

	for range 3 {
		p, err := pool.Next()
		require.NoError(t, err)
		assert.Equal(t, "b.proxy:8080", p.Host)
	}
}

func TestProxyPool_Empty(t *testing.T) {
	pool, err := NewProxyPool(nil, resilience.CircuitBreakerConfig{})
	require.NoError(t, err)

	_, err = pool.Next()
	assert.ErrorIs(t, err, ErrNoProxies)

	var nilPool *ProxyPool
	assert.Equal(t, 0, nilPool.Len())
	nilPool.Record(nil, false)
}

func TestProxyPool_InvalidURL(t *testing.T) {
	_, err := NewProxyPool([]string{"http://"}, resilience.CircuitBreakerConfig{})
	assert.Error(t, err)
}
