// Package pubsub is the in-process notification broker. Session runtimes
// publish round transitions here; the outer surface (WebSocket layer, out
// of scope) subscribes per session topic.
package pubsub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/game"
)

// Type discriminates broker messages.
type Type string

const (
	TypeRoundAdvanced    Type = "round-advanced"
	TypeSessionConcluded Type = "session-concluded"
)

// Message carries the full post-round session snapshot. Per-subscriber
// filtering happens outside the core.
type Message struct {
	Type      Type
	SessionID uuid.UUID
	Session   *game.Session
}

// SessionTopic names the per-session topic.
func SessionTopic(id uuid.UUID) string {
	return fmt.Sprintf("session:%s", id)
}

// Subscription is one receiver on a topic. Messages arrive on C; a
// subscriber that falls behind loses messages rather than blocking the
// publisher, and can poll get_session to catch up.
type Subscription struct {
	C     chan Message
	topic string
	b     *Broker

	once sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.unsubscribe(s)
		close(s.C)
	})
}

// Broker fans messages out to topic subscribers without ever blocking the
// publisher.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	log    *zap.Logger
}

func NewBroker(log *zap.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
		log:    log,
	}
}

// Subscribe registers a receiver with the given channel buffer.
func (b *Broker) Subscribe(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{C: make(chan Message, buffer), topic: topic, b: b}
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers msg to every subscriber of topic. Full subscriber
// buffers drop the message.
func (b *Broker) Publish(topic string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.C <- msg:
		default:
			b.log.Warn("dropping pubsub message for slow subscriber",
				zap.String("topic", topic),
				zap.String("type", string(msg.Type)))
		}
	}
}

// SubscriberCount reports the live subscriptions on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
