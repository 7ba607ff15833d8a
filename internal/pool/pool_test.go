package pool

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDialer struct {
	dialed atomic.Int64
	closed atomic.Int64
}

func (f *fakeDialer) dial(host string, protocol Protocol) (*http.Client, func(), error) {
	f.dialed.Add(1)
	return &http.Client{}, func() { f.closed.Add(1) }, nil
}

func newTestPool(cfg Config) (*Pool, *fakeDialer) {
	d := &fakeDialer{}
	return New(cfg, d.dial, zap.NewNop()), d
}

func TestPool_PerHostCapBlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(Config{GlobalCap: 4, PerHostCap: 1, Protocol: "single", ErrorThreshold: 3})
	defer p.Close()

	first, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)

	acquired := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "http://a")
		if err == nil {
			acquired <- c
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the host is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first, OutcomeSuccess)

	select {
	case c := <-acquired:
		assert.Equal(t, first.ID(), c.ID())
	case <-time.After(time.Second):
		t.Fatal("second acquire was not woken by release")
	}
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	p, _ := newTestPool(Config{GlobalCap: 1, PerHostCap: 1, Protocol: "single"})
	defer p.Close()

	_, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "http://a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), p.Stats().Waits)
}

func TestPool_MultiplexedSharesConnection(t *testing.T) {
	p, d := newTestPool(Config{GlobalCap: 4, PerHostCap: 2, MaxStreams: 3, Protocol: "auto"})
	defer p.Close()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background(), "https://api")
		require.NoError(t, err)
		assert.Equal(t, ProtocolMultiplexed, c.Protocol())
		conns = append(conns, c)
	}
	assert.Equal(t, int64(1), d.dialed.Load())

	fourth, err := p.Acquire(context.Background(), "https://api")
	require.NoError(t, err)
	assert.NotEqual(t, conns[0].ID(), fourth.ID())
	assert.Equal(t, int64(2), d.dialed.Load())
	assert.Equal(t, 4, p.Stats().InFlight)
}

func TestPool_CapsHoldUnderConcurrency(t *testing.T) {
	p, _ := newTestPool(Config{GlobalCap: 3, PerHostCap: 2, Protocol: "single"})
	defer p.Close()

	hosts := []string{"http://a", "http://b", "http://c"}
	var maxTotal atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), hosts[i%len(hosts)])
			if err != nil {
				return
			}
			stats := p.Stats()
			if int64(stats.Total) > maxTotal.Load() {
				maxTotal.Store(int64(stats.Total))
			}
			for _, n := range stats.PerHost {
				assert.LessOrEqual(t, n, 2)
			}
			time.Sleep(time.Millisecond)
			p.Release(c, OutcomeSuccess)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxTotal.Load(), int64(3))
	assert.Equal(t, int64(30), p.Stats().Acquired)
}

func TestPool_EvictsAfterErrorStreak(t *testing.T) {
	p, d := newTestPool(Config{GlobalCap: 2, PerHostCap: 1, Protocol: "single", ErrorThreshold: 2})
	defer p.Close()

	var id uint64
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background(), "http://a")
		require.NoError(t, err)
		if id == 0 {
			id = c.ID()
		}
		assert.Equal(t, id, c.ID())
		p.Release(c, OutcomeFailure)
	}

	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Equal(t, int64(1), d.closed.Load())

	c, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)
	assert.NotEqual(t, id, c.ID())
}

func TestPool_SuccessResetsStreak(t *testing.T) {
	p, _ := newTestPool(Config{GlobalCap: 1, PerHostCap: 1, Protocol: "single", ErrorThreshold: 1})
	defer p.Close()

	for i := 0; i < 5; i++ {
		c, err := p.Acquire(context.Background(), "http://a")
		require.NoError(t, err)
		outcome := OutcomeFailure
		if i%2 == 1 {
			outcome = OutcomeSuccess
		}
		p.Release(c, outcome)
	}
	assert.Equal(t, int64(0), p.Stats().Evicted)
}

func TestPool_GlobalCapEvictsIdleOtherHost(t *testing.T) {
	p, d := newTestPool(Config{GlobalCap: 1, PerHostCap: 1, Protocol: "single"})
	defer p.Close()

	a, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)
	p.Release(a, OutcomeSuccess)

	b, err := p.Acquire(context.Background(), "http://b")
	require.NoError(t, err)
	assert.Equal(t, "http://b", b.Host())
	assert.Equal(t, int64(1), d.closed.Load())
	assert.Equal(t, map[string]int{"http://b": 1}, p.Stats().PerHost)
}

func TestPool_SweepClosesIdle(t *testing.T) {
	p, d := newTestPool(Config{GlobalCap: 2, PerHostCap: 2, Protocol: "single", IdleTimeout: 10 * time.Millisecond})
	defer p.Close()

	idle, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)
	p.Release(idle, OutcomeSuccess)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, int64(1), d.closed.Load())
	assert.Equal(t, 1, p.Stats().Total)

	p.Release(busy, OutcomeSuccess)
}

func TestPool_CloseFailsWaiters(t *testing.T) {
	p, _ := newTestPool(Config{GlobalCap: 1, PerHostCap: 1, Protocol: "single"})

	_, err := p.Acquire(context.Background(), "http://a")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "http://a")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
}
