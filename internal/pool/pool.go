// Package pool implements the bounded, interchangeable connection pool used
// to push asynchronous deliveries to one peer without contending with that
// peer's synchronous control connection.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SocketPool holds a fixed ordered set of connections to one peer and
// exposes a blocking acquire/release contract: acquire blocks until some
// connection is free, exactly one caller holds a given connection at a time,
// and release wakes one waiter. It is backed by an N-count counting
// semaphore plus a mutex protecting the slot vector; fairness across waiters
// is not guaranteed.
//
// A SocketPool performs no health checking of its own. A broken connection
// is only detected when a caller's read or write on it fails; the caller is
// responsible for tearing down the owning client at that point.
type SocketPool struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	free []net.Conn // stack of currently-unheld connections
	all  []net.Conn // every connection ever added, for Close
}

// New builds a SocketPool from a non-empty set of connections.
func New(conns []net.Conn) (*SocketPool, error) {
	if len(conns) == 0 {
		return nil, fmt.Errorf("pool: at least one connection is required")
	}
	free := make([]net.Conn, len(conns))
	copy(free, conns)
	return &SocketPool{
		sem:  semaphore.NewWeighted(int64(len(conns))),
		free: free,
		all:  append([]net.Conn(nil), conns...),
	}, nil
}

// Size returns the number of connections backing the pool.
func (p *SocketPool) Size() int { return len(p.all) }

// Acquire blocks until a connection is free, or ctx is cancelled.
func (p *SocketPool) Acquire(ctx context.Context) (net.Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	conn := p.free[n-1]
	p.free = p.free[:n-1]
	return conn, nil
}

// Release returns conn to the pool, waking one waiter.
func (p *SocketPool) Release(conn net.Conn) {
	p.mu.Lock()
	p.free = append(p.free, conn)
	p.mu.Unlock()
	p.sem.Release(1)
}

// With acquires a connection, invokes fn with it, and releases it, even if
// fn panics or returns an error.
func (p *SocketPool) With(ctx context.Context, fn func(net.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Close closes every connection in the pool, regardless of whether it is
// currently held. Safe to call even while deliveries are in flight; their
// subsequent Release calls still succeed, returning the closed connections
// to the pool.
func (p *SocketPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.all {
		_ = c.Close()
	}
}
