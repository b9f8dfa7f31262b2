package hub

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// clientPool shares one http.Client per distinct timeout across the prober
// and the invoker, so connection pools are reused instead of recreated per
// spoke.
type clientPool struct {
	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

var sharedClients = &clientPool{clients: map[time.Duration]*http.Client{}}

func (p *clientPool) get(timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[timeout]; ok {
		return c
	}
	c := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	p.clients[timeout] = c
	return c
}
