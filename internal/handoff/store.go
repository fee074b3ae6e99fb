// Package handoff is the replicated in-memory map used to migrate live
// session state between nodes during rolling restarts. It rides on
// memberlist gossip: puts and deletes broadcast versioned entries, and
// full-state push/pull on join reconciles divergence. Eventual consistency
// is acceptable because the durable store is the authoritative fallback.
package handoff

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// SessionKey names the handoff entry for a session.
func SessionKey(id uuid.UUID) string {
	return fmt.Sprintf("session_%s", id)
}

// entry is one replicated key state. Deleted entries stay as tombstones so
// a stale replica cannot resurrect the value; tombstones live for the
// process lifetime, which is bounded by rolling-restart usage.
type entry struct {
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version"`
	Node    string `json:"node"`
	Deleted bool   `json:"deleted,omitempty"`
}

// newer reports whether e should replace old.
func (e entry) newer(old entry) bool {
	if e.Version != old.Version {
		return e.Version > old.Version
	}
	// Concurrent writes at the same version: break the tie by node name so
	// every replica converges on the same winner.
	return e.Node > old.Node
}

type update struct {
	Key   string `json:"key"`
	Entry entry  `json:"entry"`
}

// broadcast carries one update through the transmit queue. A later update
// for the same key invalidates a queued one.
type broadcast struct {
	key string
	msg []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*broadcast)
	return ok && o.key == b.key
}

func (b *broadcast) Message() []byte { return b.msg }
func (b *broadcast) Finished()       {}

// Store is the node-local replica. It implements memberlist.Delegate; wire
// it into the cluster node's config.
type Store struct {
	node string
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	meta    []byte

	queue *memberlist.TransmitLimitedQueue
}

// NewStore creates the replica for this node. numNodes feeds the
// retransmit budget; before the cluster is up it may report 1.
func NewStore(node string, numNodes func() int, log *zap.Logger) *Store {
	s := &Store{
		node:    node,
		log:     log,
		entries: make(map[string]entry),
	}
	s.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       numNodes,
		RetransmitMult: 3,
	}
	return s
}

// Put replicates key -> value.
func (s *Store) Put(key string, value []byte) {
	s.apply(key, entry{Value: value, Node: s.node})
}

// Delete replicates a tombstone for key.
func (s *Store) Delete(key string) {
	s.apply(key, entry{Node: s.node, Deleted: true})
}

func (s *Store) apply(key string, e entry) {
	s.mu.Lock()
	e.Version = s.entries[key].Version + 1
	s.entries[key] = e
	s.mu.Unlock()
	s.enqueue(key, e)
}

// Get returns the current value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Consume returns the value and tombstones it in one step. Handoff entries
// are consumed on read so two nodes cannot both adopt the same session.
func (s *Store) Consume(key string) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.Deleted {
		s.mu.Unlock()
		return nil, false
	}
	tomb := entry{Node: s.node, Deleted: true, Version: e.Version + 1}
	s.entries[key] = tomb
	s.mu.Unlock()
	s.enqueue(key, tomb)
	return e.Value, true
}

// Len counts live (non-tombstoned) entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (s *Store) enqueue(key string, e entry) {
	msg, err := json.Marshal(update{Key: key, Entry: e})
	if err != nil {
		s.log.Error("marshal handoff update", zap.Error(err))
		return
	}
	s.queue.QueueBroadcast(&broadcast{key: key, msg: msg})
}

// merge applies a remote entry, keeping whichever side is newer.
func (s *Store) merge(key string, remote entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local, ok := s.entries[key]; ok && !remote.newer(local) {
		return
	}
	s.entries[key] = remote
}

// WaitDrain blocks until the broadcast queue is empty or grace elapses.
// Called on graceful shutdown after stashing sessions; a timeout means the
// stash may not have replicated and is logged as a warning.
func (s *Store) WaitDrain(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.queue.NumQueued() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	drained := s.queue.NumQueued() == 0
	if !drained {
		s.log.Warn("handoff broadcast queue did not drain before shutdown grace",
			zap.Int("queued", s.queue.NumQueued()))
	}
	return drained
}

// --- memberlist.Delegate ---

// SetNodeMeta sets the metadata gossiped with this node's membership
// record. The entrypoint puts the command transport address here so peers
// can forward session commands to the owner node.
func (s *Store) SetNodeMeta(meta []byte) {
	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
}

func (s *Store) NodeMeta(limit int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.meta) > limit {
		return s.meta[:limit]
	}
	return s.meta
}

// NotifyMsg receives one gossiped update.
func (s *Store) NotifyMsg(msg []byte) {
	var u update
	if err := json.Unmarshal(msg, &u); err != nil {
		s.log.Warn("bad handoff gossip message", zap.Error(err))
		return
	}
	s.merge(u.Key, u.Entry)
}

func (s *Store) GetBroadcasts(overhead, limit int) [][]byte {
	return s.queue.GetBroadcasts(overhead, limit)
}

// LocalState ships the full replica for push/pull sync.
func (s *Store) LocalState(join bool) []byte {
	s.mu.Lock()
	snapshot := make(map[string]entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	buf, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Error("marshal handoff state", zap.Error(err))
		return nil
	}
	return buf
}

// MergeRemoteState reconciles a peer's full replica into ours.
func (s *Store) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var remote map[string]entry
	if err := json.Unmarshal(buf, &remote); err != nil {
		s.log.Warn("bad handoff remote state", zap.Error(err))
		return
	}
	for k, e := range remote {
		s.merge(k, e)
	}
}
