// Package cluster propagates cache invalidations between crmquery replicas
// over a memberlist gossip ring.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip configuration
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	NodeName       string        `mapstructure:"node_name"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	Seeds          []string      `mapstructure:"seeds"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RetransmitMult int           `mapstructure:"retransmit_mult"`
	LeaveTimeout   time.Duration `mapstructure:"leave_timeout"`
}

// DefaultConfig returns the default gossip configuration
func DefaultConfig() Config {
	return Config{
		BindAddr:       "0.0.0.0",
		BindPort:       7946,
		GossipInterval: 200 * time.Millisecond,
		ProbeInterval:  time.Second,
		ProbeTimeout:   500 * time.Millisecond,
		RetransmitMult: 4,
		LeaveTimeout:   5 * time.Second,
	}
}

// Invalidation is one cache invalidation as sent to peers
type Invalidation struct {
	Origin string   `json:"origin"`
	Entity string   `json:"entity,omitempty"`
	IDs    []int64  `json:"ids,omitempty"`
	TagIDs []int64  `json:"tag_ids,omitempty"`
	Fields []string `json:"fields,omitempty"`
	All    bool     `json:"all,omitempty"`
	SentAt int64    `json:"sent_at"`

	// WholeEntity drops every cached result of Entity
	WholeEntity bool `json:"whole_entity,omitempty"`
}

// Handler applies an invalidation received from a peer
type Handler func(Invalidation)

// Stats is a snapshot of broadcaster counters
type Stats struct {
	Node     string   `json:"node"`
	Members  []string `json:"members"`
	Sent     uint64   `json:"sent"`
	Received uint64   `json:"received"`
	Dropped  uint64   `json:"dropped"`
	Queued   int      `json:"queued"`
}

type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.msg }
func (b *broadcast) Finished()                             {}

// Broadcaster gossips invalidations to peers and hands peer invalidations to
// a local handler. Messages that originated here are never re-applied.
type Broadcaster struct {
	cfg     Config
	node    string
	logger  *zap.Logger
	handler Handler
	queue   *memberlist.TransmitLimitedQueue
	ml      atomic.Pointer[memberlist.Memberlist]

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

func newBroadcaster(cfg Config, handler Handler, logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{cfg: cfg, node: cfg.NodeName, logger: logger, handler: handler}
	b.queue = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			if ml := b.ml.Load(); ml != nil {
				return ml.NumMembers()
			}
			return 1
		},
		RetransmitMult: cfg.RetransmitMult,
	}
	return b
}

// New joins the gossip ring described by cfg
func New(cfg Config, handler Handler, logger *zap.Logger) (*Broadcaster, error) {
	def := DefaultConfig()
	if cfg.RetransmitMult <= 0 {
		cfg.RetransmitMult = def.RetransmitMult
	}
	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName(cfg.BindPort)
	}
	b := newBroadcaster(cfg, handler, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = b
	mlConfig.Events = &eventDelegate{logger: logger}
	mlConfig.Logger = nil
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	b.ml.Store(ml)

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
		} else {
			logger.Info("Joined cluster", zap.Int("contacted", n))
		}
	}
	return b, nil
}

func defaultNodeName(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "crmquery"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Address returns the host:port peers should use to join this node
func (b *Broadcaster) Address() string {
	ml := b.ml.Load()
	if ml == nil {
		return ""
	}
	return ml.LocalNode().Address()
}

// Broadcast queues inv for gossip to every peer
func (b *Broadcaster) Broadcast(inv Invalidation) error {
	inv.Origin = b.node
	if inv.SentAt == 0 {
		inv.SentAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	b.queue.QueueBroadcast(&broadcast{msg: data})
	b.sent.Add(1)
	return nil
}

// NodeMeta implements memberlist.Delegate
func (b *Broadcaster) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate
func (b *Broadcaster) NotifyMsg(data []byte) {
	var inv Invalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		b.dropped.Add(1)
		b.logger.Warn("Failed to decode invalidation", zap.Error(err))
		return
	}
	if inv.Origin == b.node {
		return
	}
	b.received.Add(1)
	b.logger.Debug("Received invalidation",
		zap.String("origin", inv.Origin),
		zap.String("entity", inv.Entity),
		zap.Int("ids", len(inv.IDs)),
		zap.Bool("all", inv.All))
	if b.handler != nil {
		b.handler(inv)
	}
}

// GetBroadcasts implements memberlist.Delegate
func (b *Broadcaster) GetBroadcasts(overhead, limit int) [][]byte {
	return b.queue.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (b *Broadcaster) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (b *Broadcaster) MergeRemoteState(buf []byte, join bool) {}

// Members returns the names of live cluster members
func (b *Broadcaster) Members() []string {
	ml := b.ml.Load()
	if ml == nil {
		return []string{b.node}
	}
	var names []string
	for _, m := range ml.Members() {
		names = append(names, m.Name)
	}
	return names
}

// Stats returns broadcaster counters
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Node:     b.node,
		Members:  b.Members(),
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
		Queued:   b.queue.NumQueued(),
	}
}

// Shutdown leaves the ring and stops gossip
func (b *Broadcaster) Shutdown() error {
	ml := b.ml.Load()
	if ml == nil {
		return nil
	}
	timeout := b.cfg.LeaveTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().LeaveTimeout
	}
	if err := ml.Leave(timeout); err != nil {
		b.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return ml.Shutdown()
}

type eventDelegate struct {
	logger *zap.Logger
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Node left", zap.String("node", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Node updated", zap.String("node", node.Name))
}
