// Package client implements the parent-side half of privsep: a pool of
// connections to the key daemon (SPEC_FULL.md component F) and the proxy
// key object that routes crypto.Signer/crypto.Decrypter calls through it
// (component G). It is grounded on get_thread_data and priv_encdec_proxy in
// original_source/openssl-privsep.c.
package client

import (
	"context"
	"net"
	"runtime"
	"sync"

	"github.com/privsep-go/privsep/internal/plog"
)

// conn is one connection to the daemon.
type conn struct {
	*net.UnixConn
}

// Pool hands out connections to the daemon's Unix socket. The original C
// implementation keys one lazily-created socket per OS thread in
// thread-local storage, so that requests on a single thread are strictly
// FIFO with no cross-thread contention on the wire. Go has no equivalent of
// pthread_getspecific for goroutines (which are multiplexed onto OS threads
// and migrate between them), so this pool substitutes the alternative
// spec.md §9 itself names: a small idle-connection pool guarded by a
// mutex. Under low concurrency a caller tends to get back the same
// connection it last used (nothing else is competing for it); under high
// concurrency new connections are opened on demand, same as a new thread
// lazily creating its own socket would.
type Pool struct {
	addr *net.UnixAddr

	mu   sync.Mutex
	idle []*conn

	// maxIdle bounds how many idle connections are kept around; excess
	// Puts close their connection instead of pooling it.
	maxIdle int
}

// NewPool returns a Pool that dials addr on demand.
func NewPool(addr *net.UnixAddr) *Pool {
	maxIdle := runtime.GOMAXPROCS(0)
	if maxIdle < 1 {
		maxIdle = 1
	}
	return &Pool{addr: addr, maxIdle: maxIdle}
}

// Get returns an idle connection if one is available, otherwise dials a
// new one. A connect failure here is treated the same way the original
// treats it: fatal to the caller, since falling back to in-process RSA
// would defeat privilege separation. Get itself only returns the error;
// callers decide how to escalate it (see Key's fatal hook).
func (p *Pool) Get(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", p.addr.String())
	if err != nil {
		return nil, err
	}
	return &conn{nc.(*net.UnixConn)}, nil
}

// Put returns c to the idle pool, or closes it if the pool is already at
// capacity.
func (p *Pool) Put(c *conn) {
	p.mu.Lock()
	if len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard closes c without returning it to the pool — used after a
// transport error, since a connection that failed mid-request is not safe
// to reuse for the next request (the peer may have written a partial
// response, or closed).
func (p *Pool) Discard(c *conn) {
	c.Close()
}

// Close closes every idle connection. It does not affect connections
// currently checked out.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		if err := c.Close(); err != nil {
			plog.Warnf("client: error closing pooled connection: %v", err)
		}
	}
	p.idle = nil
	return nil
}
