package pubsub

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker(zap.NewNop())
	id := uuid.New()
	topic := SessionTopic(id)

	s1 := b.Subscribe(topic, 4)
	s2 := b.Subscribe(topic, 4)
	defer s1.Close()
	defer s2.Close()

	b.Publish(topic, Message{Type: TypeRoundAdvanced, SessionID: id})

	for _, sub := range []*Subscription{s1, s2} {
		msg := <-sub.C
		if msg.Type != TypeRoundAdvanced || msg.SessionID != id {
			t.Fatalf("got %+v", msg)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroker(zap.NewNop())
	topic := SessionTopic(uuid.New())
	sub := b.Subscribe(topic, 1)
	defer sub.Close()

	// Second publish overflows the buffer; it must return immediately.
	b.Publish(topic, Message{Type: TypeRoundAdvanced})
	b.Publish(topic, Message{Type: TypeRoundAdvanced})
	b.Publish(topic, Message{Type: TypeSessionConcluded})

	if got := len(sub.C); got != 1 {
		t.Fatalf("buffer holds %d messages, want 1", got)
	}
}

func TestCloseDetachesSubscription(t *testing.T) {
	b := NewBroker(zap.NewNop())
	topic := SessionTopic(uuid.New())
	sub := b.Subscribe(topic, 1)

	if got := b.SubscriberCount(topic); got != 1 {
		t.Fatalf("count = %d", got)
	}
	sub.Close()
	sub.Close() // idempotent
	if got := b.SubscriberCount(topic); got != 0 {
		t.Fatalf("count after close = %d", got)
	}
	// Publish to a topic with no subscribers is a no-op.
	b.Publish(topic, Message{Type: TypeRoundAdvanced})
	if _, open := <-sub.C; open {
		t.Fatal("channel should be closed")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewBroker(zap.NewNop())
	a := b.Subscribe(SessionTopic(uuid.New()), 1)
	other := b.Subscribe(SessionTopic(uuid.New()), 1)
	defer a.Close()
	defer other.Close()

	b.Publish(a.topic, Message{Type: TypeSessionConcluded})
	if len(a.C) != 1 || len(other.C) != 0 {
		t.Fatalf("cross-topic leak: a=%d other=%d", len(a.C), len(other.C))
	}
}
