package notification

import (
	"context"
	"sync"
)

// MemoryRelay is an in-process Relay. It only reaches subscribers in the same process,
// so multi-instance deployments use RedisRelay instead.
type MemoryRelay struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewMemoryRelay creates an empty in-process relay
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{topics: make(map[string]map[*Subscription]struct{})}
}

// Publish offers the event to every current subscriber of its topic
func (r *MemoryRelay) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Topic == "" {
		return ErrTopicMissing
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRelayClosed
	}
	for sub := range r.topics[event.Topic] {
		sub.offer(event)
	}
	return nil
}

// Subscribe registers a subscriber; it is active as soon as Subscribe returns
func (r *MemoryRelay) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrTopicMissing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}

	var sub *Subscription
	sub = newSubscription(topic, func() { r.remove(topic, sub) })
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[*Subscription]struct{})
	}
	r.topics[topic][sub] = struct{}{}
	sub.closeOnDone(ctx)
	return sub, nil
}

// Subscribers returns how many subscribers a topic has
func (r *MemoryRelay) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Close closes every subscription and rejects further use
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var subs []*Subscription
	for _, set := range r.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.topics = make(map[string]map[*Subscription]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (r *MemoryRelay) remove(topic string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	delete(set, sub)
	if len(set) == 0 {
		delete(r.topics, topic)
	}
}
