package connector

import (
	"context"
	"sync"

	"github.com/updall/updall/cache"
	"github.com/updall/updall/logger"
)

// Pool keeps at most one open connection per host for the duration of a run.
// Command-level retries reuse the pooled connection; connection-level retries
// invalidate it first so the next Get redials. Dials are serialized per host
// only, so a slow handshake on one host never delays another.
type Pool struct {
	dialer Dialer
	conns  *cache.Cache[string, Connection]
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewPool creates a pool backed by the given dialer.
func NewPool(dialer Dialer) *Pool {
	return &Pool{
		dialer: dialer,
		conns:  cache.NewCache[string, Connection](),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (p *Pool) hostLock(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[id] = lock
	}
	return lock
}

// Get returns the pooled connection for the host, dialing if necessary.
func (p *Pool) Get(ctx context.Context, host Host) (Connection, error) {
	if conn, ok := p.conns.Get(host.ID()); ok {
		return conn, nil
	}

	lock := p.hostLock(host.ID())
	lock.Lock()
	defer lock.Unlock()

	if conn, ok := p.conns.Get(host.ID()); ok {
		return conn, nil
	}

	conn, err := p.dialer.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	p.conns.Set(host.ID(), conn)
	return conn, nil
}

// Invalidate closes and drops the pooled connection for the host.
func (p *Pool) Invalidate(host Host) {
	lock := p.hostLock(host.ID())
	lock.Lock()
	defer lock.Unlock()

	if conn, ok := p.conns.Get(host.ID()); ok {
		if err := conn.Close(); err != nil {
			logger.Log.Debugf("closing invalidated connection for %s: %v", host.ID(), err)
		}
		p.conns.Delete(host.ID())
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.conns.Range(func(id string, conn Connection) bool {
		if err := conn.Close(); err != nil {
			logger.Log.Debugf("closing pooled connection for %s: %v", id, err)
		}
		p.conns.Delete(id)
		return true
	})
	p.conns.Close()
}
