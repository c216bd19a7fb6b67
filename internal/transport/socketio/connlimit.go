package socketio

import (
	"net"
	"sync"
)

// DefaultMaxRemoteClients bounds concurrent non-loopback presentation clients.
const DefaultMaxRemoteClients = 8

// ClientLimiter caps concurrent remote clients. Loopback clients are never
// counted. Admitting a remote client over the cap evicts the oldest one.
type ClientLimiter struct {
	mu        sync.Mutex
	maxRemote int
	remote    []string          // oldest first
	known     map[string]string // id -> host
}

// NewClientLimiter creates a limiter allowing maxRemote remote clients.
func NewClientLimiter(maxRemote int) *ClientLimiter {
	if maxRemote <= 0 {
		maxRemote = DefaultMaxRemoteClients
	}
	return &ClientLimiter{
		maxRemote: maxRemote,
		known:     make(map[string]string),
	}
}

// Admit registers a client and returns the id of the client it displaced,
// or "" when nobody was evicted.
func (l *ClientLimiter) Admit(id, addr string) (evicted string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.known[id]; ok {
		return ""
	}

	host := hostOf(addr)
	l.known[id] = host
	if isLoopback(host) {
		return ""
	}

	l.remote = append(l.remote, id)
	if len(l.remote) <= l.maxRemote {
		return ""
	}

	evicted = l.remote[0]
	l.remote = l.remote[1:]
	delete(l.known, evicted)
	return evicted
}

// Release forgets a disconnected client.
func (l *ClientLimiter) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	host, ok := l.known[id]
	if !ok {
		return
	}
	delete(l.known, id)
	if isLoopback(host) {
		return
	}

	for i, rid := range l.remote {
		if rid == id {
			l.remote = append(l.remote[:i], l.remote[i+1:]...)
			break
		}
	}
}

// Remote returns how many remote clients are admitted.
func (l *ClientLimiter) Remote() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remote)
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
