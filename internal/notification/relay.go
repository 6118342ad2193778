package notification

import (
	"context"
	"errors"
	"sync"
)

// Common errors
var (
	ErrRelayClosed  = errors.New("notification relay is closed")
	ErrTopicMissing = errors.New("topic is required")
)

// subscriberBuffer bounds pending triggers per subscriber. Once full, further
// events for that subscriber are coalesced: a pending trigger already forces a re-fetch.
const subscriberBuffer = 16

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Relay is a publish/subscribe channel keyed by topic
type Relay interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// Subscription receives events for one topic until closed or its context ends
type Subscription struct {
	Topic string

	events chan Event
	done   chan struct{}
	once   sync.Once
	stop   func()
}

func newSubscription(topic string, stop func()) *Subscription {
	return &Subscription{
		Topic:  topic,
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

// Events returns the trigger channel
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscription has been closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// offer hands an event to the subscriber without blocking the publisher
func (s *Subscription) offer(event Event) {
	select {
	case <-s.done:
	case s.events <- event:
	default:
	}
}

// closeOnDone ties the subscription's lifetime to ctx
func (s *Subscription) closeOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

// Tee publishes to the relay and then to every sink. Sink failures are joined into the
// returned error but never prevent delivery on the relay itself.
func Tee(relay Relay, sinks ...Publisher) Relay {
	if len(sinks) == 0 {
		return relay
	}
	return &tee{Relay: relay, sinks: sinks}
}

type tee struct {
	Relay
	sinks []Publisher
}

func (t *tee) Publish(ctx context.Context, event Event) error {
	errs := []error{t.Relay.Publish(ctx, event)}
	for _, sink := range t.sinks {
		errs = append(errs, sink.Publish(ctx, event))
	}
	return errors.Join(errs...)
}

func (t *tee) Close() error {
	errs := []error{t.Relay.Close()}
	for _, sink := range t.sinks {
		if closer, ok := sink.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
