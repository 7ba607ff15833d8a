package cluster

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu  sync.Mutex
	got []Invalidation
}

func (c *collector) handle(inv Invalidation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, inv)
}

func (c *collector) received() []Invalidation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invalidation(nil), c.got...)
}

func TestNotifyMsg_SkipsOwnMessages(t *testing.T) {
	c := &collector{}
	b := newBroadcaster(Config{NodeName: "a", RetransmitMult: 2}, c.handle, zap.NewNop())

	own, _ := json.Marshal(Invalidation{Origin: "a", Entity: "contacts", IDs: []int64{1}})
	peer, _ := json.Marshal(Invalidation{Origin: "b", Entity: "contacts", IDs: []int64{1002}})
	b.NotifyMsg(own)
	b.NotifyMsg(peer)
	b.NotifyMsg([]byte("{not json"))

	got := c.received()
	require.Len(t, got, 1)
	assert.Equal(t, []int64{1002}, got[0].IDs)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestBroadcast_QueuesEncodedMessage(t *testing.T) {
	b := newBroadcaster(Config{NodeName: "a", RetransmitMult: 2}, nil, zap.NewNop())

	require.NoError(t, b.Broadcast(Invalidation{Entity: "contacts", TagIDs: []int64{7}}))
	assert.Equal(t, 1, b.Stats().Queued)

	msgs := b.GetBroadcasts(0, 1400)
	require.Len(t, msgs, 1)
	var inv Invalidation
	require.NoError(t, json.Unmarshal(msgs[0], &inv))
	assert.Equal(t, "a", inv.Origin)
	assert.Equal(t, []int64{7}, inv.TagIDs)
	assert.NotZero(t, inv.SentAt)
}

func TestBroadcaster_GossipsBetweenNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two gossip listeners")
	}
	cfg := func(name string) Config {
		c := DefaultConfig()
		c.NodeName = name
		c.BindAddr = "127.0.0.1"
		c.BindPort = 0
		c.GossipInterval = 50 * time.Millisecond
		c.LeaveTimeout = time.Second
		return c
	}

	first, err := New(cfg("first"), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown() })

	c := &collector{}
	secondCfg := cfg("second")
	secondCfg.Seeds = []string{first.Address()}
	second, err := New(secondCfg, c.handle, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown() })

	require.Eventually(t, func() bool { return len(first.Members()) == 2 }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, first.Broadcast(Invalidation{Entity: "contacts", IDs: []int64{1002}}))
	require.Eventually(t, func() bool { return len(c.received()) == 1 }, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "first", c.received()[0].Origin)
}
