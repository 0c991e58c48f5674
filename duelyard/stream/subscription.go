package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/yardworks/duelyard/duelyard/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An
	// open subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed
	// by the broker and will not receive new events. The subscriber must
	// issue a new Subscribe request.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed is an error signalling the subscription has been
// closed. The client should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

// Subscription is a single subscriber's cursor over the progress stream.
type Subscription struct {
	// state must be accessed atomically, 0 means open, 1 means closed.
	state uint32

	req *SubscribeRequest

	// currentItem stores the current buffer item we are on. It is mutated
	// by calls to Next.
	currentItem *bufferItem

	// forceClosed is closed when forceClose is called. It is used by
	// EventBroker to cancel Next().
	forceClosed chan struct{}

	// unsub is called to free broker resources when the subscription is
	// no longer needed. Safe to call more than once.
	unsub func()
}

// SubscribeRequest scopes a subscription to topics and keys. An empty
// Topics map subscribes to everything.
type SubscribeRequest struct {
	Topics map[structs.Topic][]string
}

func newSubscription(req *SubscribeRequest, item *bufferItem, unsub func()) *Subscription {
	return &Subscription{
		forceClosed: make(chan struct{}),
		req:         req,
		currentItem: item,
		unsub:       unsub,
	}
}

// Next blocks until a set of events matching the subscription is available
// or the context ends.
func (s *Subscription) Next(ctx context.Context) (structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return structs.Events{}, ErrSubscriptionClosed
	}

	for {
		next, err := s.currentItem.Next(ctx, s.forceClosed)
		switch {
		case err != nil && atomic.LoadUint32(&s.state) == subscriptionStateClosed:
			return structs.Events{}, ErrSubscriptionClosed
		case err != nil:
			return structs.Events{}, err
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return structs.Events{Index: next.Events.Index, Events: events}, nil
	}
}

// NextNoBlock returns available matching events without waiting. A nil
// slice means nothing is pending.
func (s *Subscription) NextNoBlock() ([]structs.Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	for {
		next := s.currentItem.NextNoBlock()
		if next == nil {
			return nil, nil
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

// Unsubscribe releases the subscription's broker resources.
func (s *Subscription) Unsubscribe() {
	s.unsub()
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// filter events down to those matching the subscription's topics and keys.
func filter(req *SubscribeRequest, events []structs.Event) []structs.Event {
	if len(events) == 0 {
		return nil
	}
	if len(req.Topics) == 0 {
		return events
	}

	var result []structs.Event
	for _, event := range events {
		keys, ok := req.Topics[event.Topic]
		if !ok {
			keys = req.Topics[structs.TopicAll]
		}
		for _, key := range keys {
			if key == string(structs.TopicAll) || eventMatchesKey(event, key) {
				result = append(result, event)
				break
			}
		}
	}
	return result
}

func eventMatchesKey(event structs.Event, key string) bool {
	if event.Key == key {
		return true
	}
	for _, fk := range event.FilterKeys {
		if fk == key {
			return true
		}
	}
	return false
}
