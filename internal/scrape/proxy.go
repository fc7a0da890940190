package scrape

import (
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/resilience"
)

var (
	// ErrNoProxies is returned by an empty pool.
	ErrNoProxies = eris.New("scrape: proxy pool is empty")
	// ErrProxiesExhausted is returned when every proxy's circuit is open.
	ErrProxiesExhausted = eris.New("scrape: all proxies are cooling down")
)

// ProxyPool rotates through proxy endpoints round-robin, skipping any whose
// circuit breaker is open.
type ProxyPool struct {
	proxies  []*url.URL
	cursor   atomic.Uint64
	breakers *resilience.Breakers
}

// NewProxyPool parses the proxy URLs. Entries without a scheme are treated
// as http proxies.
func NewProxyPool(raw []string, cfg resilience.CircuitBreakerConfig) (*ProxyPool, error) {
	pool := &ProxyPool{breakers: resilience.NewBreakers(cfg)}
	for _, r := range raw {
		s := r
		if !strings.Contains(s, "://") {
			s = "http://" + s
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return nil, eris.Errorf("scrape: invalid proxy url %q", r)
		}
		pool.proxies = append(pool.proxies, u)
	}
	return pool, nil
}

// Len returns the number of configured proxies.
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

// Next returns the next proxy whose circuit admits a request.
func (p *ProxyPool) Next() (*url.URL, error) {
	n := p.Len()
	if n == 0 {
		return nil, ErrNoProxies
	}
	for range n {
		i := p.cursor.Add(1) - 1
		proxy := p.proxies[i%uint64(n)]
		if p.breakers.Get(proxy.Host).Allow() == nil {
			return proxy, nil
		}
	}
	return nil, ErrProxiesExhausted
}

// Record reports whether a request through proxy reached the origin.
func (p *ProxyPool) Record(proxy *url.URL, ok bool) {
	if p == nil || proxy == nil {
		return
	}
	p.breakers.Get(proxy.Host).Record(ok)
}

// States returns circuit states keyed by proxy host.
func (p *ProxyPool) States() map[string]resilience.CircuitState {
	if p == nil {
		return nil
	}
	return p.breakers.States()
}
