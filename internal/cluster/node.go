// Package cluster wraps memberlist: node identity, peer discovery from
// the configured cluster_query list, and membership change events for the
// placement registry. It also hosts the gossip delegate the handoff store
// rides on. With no peers configured this degenerates to a single-node
// cluster, which is the dev and test default.
package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/config"
)

// EventType is a membership transition.
type EventType int

const (
	NodeJoin EventType = iota
	NodeLeave
)

func (t EventType) String() string {
	switch t {
	case NodeJoin:
		return "join"
	case NodeLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Event reports one membership change.
type Event struct {
	Type EventType
	Node string
}

// Node is this process's cluster membership.
type Node struct {
	ml     *memberlist.Memberlist
	log    *zap.Logger
	events chan Event
}

// eventDelegate forwards memberlist transitions onto the node's event
// channel without ever blocking memberlist internals.
type eventDelegate struct {
	events chan Event
	log    *zap.Logger
}

func (d *eventDelegate) notify(t EventType, n *memberlist.Node) {
	select {
	case d.events <- Event{Type: t, Node: n.Name}:
	default:
		d.log.Warn("dropping cluster event, consumer too slow", zap.String("node", n.Name))
	}
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(NodeJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(NodeLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {}

// Join creates this node's membership and contacts the peers in
// cfg.Query. Unreachable peers are logged, not fatal: the node starts as
// a cluster of one and peers can join later.
func Join(cfg config.ClusterConfig, name string, delegate memberlist.Delegate, log *zap.Logger) (*Node, error) {
	host, portStr, err := net.SplitHostPort(cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("parse cluster bind address %q: %w", cfg.BindAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse cluster bind port %q: %w", portStr, err)
	}

	events := make(chan Event, 64)

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = name
	mlCfg.BindAddr = host
	mlCfg.BindPort = port
	mlCfg.AdvertisePort = port
	mlCfg.Delegate = delegate
	mlCfg.Events = &eventDelegate{events: events, log: log}
	mlCfg.Logger = zap.NewStdLog(log.Named("memberlist"))

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	n := &Node{ml: ml, log: log, events: events}
	if len(cfg.Query) > 0 {
		joined, err := ml.Join(cfg.Query)
		if err != nil {
			log.Warn("cluster join incomplete, continuing standalone",
				zap.Strings("peers", cfg.Query), zap.Error(err))
		} else {
			log.Info("joined cluster", zap.Int("contacted", joined))
		}
	}
	return n, nil
}

// Name returns this node's cluster name.
func (n *Node) Name() string {
	return n.ml.LocalNode().Name
}

// Members returns the live member names, sorted.
func (n *Node) Members() []string {
	members := n.ml.Members()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	sort.Strings(names)
	return names
}

// NumMembers reports the live member count; feeds gossip retransmit
// budgets.
func (n *Node) NumMembers() int {
	return n.ml.NumMembers()
}

// MemberAddr resolves a member name to its command transport address. The
// address travels in node metadata; the gossip address is the fallback for
// members that advertised none.
func (n *Node) MemberAddr(name string) (string, bool) {
	for _, m := range n.ml.Members() {
		if m.Name == name {
			if len(m.Meta) > 0 {
				return string(m.Meta), true
			}
			return m.Addr.String(), true
		}
	}
	return "", false
}

// Events is the membership change stream consumed by placement.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Leave broadcasts a graceful departure and tears the node down.
func (n *Node) Leave(timeout time.Duration) error {
	if err := n.ml.Leave(timeout); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return n.ml.Shutdown()
}
