package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestAcquireReleaseExclusive(t *testing.T) {
	a, _ := pipePair(t)
	p, err := New([]net.Conn{a})
	require.NoError(t, err)
	require.Equal(t, 1, p.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, a, conn)

	// Pool is exhausted: a second acquire must block until released.
	blockedCtx, cancelBlocked := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelBlocked()
	_, err = p.Acquire(blockedCtx)
	require.Error(t, err, "acquire should time out while the only connection is held")

	p.Release(conn)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	conn2, err := p.Acquire(ctx2)
	require.NoError(t, err)
	require.Same(t, a, conn2)
	p.Release(conn2)
}

func TestConcurrentDeliveriesBoundedByPoolSize(t *testing.T) {
	const n = 4
	conns := make([]net.Conn, n)
	for i := range conns {
		a, _ := pipePair(t)
		conns[i] = a
	}
	p, err := New(conns)
	require.NoError(t, err)

	var inFlight, maxObserved int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.With(context.Background(), func(net.Conn) error {
				mu.Lock()
				inFlight++
				if inFlight > maxObserved {
					maxObserved = inFlight
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxObserved, n)
}

func TestWithReleasesOnError(t *testing.T) {
	a, _ := pipePair(t)
	p, err := New([]net.Conn{a})
	require.NoError(t, err)

	boom := require.Error
	err = p.With(context.Background(), func(net.Conn) error { return context.DeadlineExceeded })
	boom(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err, "connection must have been released after the erroring use")
	p.Release(conn)
}
