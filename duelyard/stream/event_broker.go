package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// EventBrokerCfg configures an EventBroker.
type EventBrokerCfg struct {
	EventBufferSize int64
	Logger          hclog.Logger
}

// EventBroker is the progress bus. Services publish job and simulation
// snapshots; client streams subscribe per job. There is no durability:
// subscribers that miss events catch up by re-reading current state.
type EventBroker struct {
	// publishCh serializes all appends through a single goroutine.
	publishCh chan *structs.Events

	eventBuf *eventBuffer

	// publishedIndex is the index of the most recent publish, stamped
	// onto event sets whose callers left Index zero.
	publishedIndex uint64

	logger hclog.Logger

	subscriptions map[*Subscription]struct{}
	mu            sync.Mutex
}

// NewEventBroker returns an EventBroker and starts its publish loop. The
// broker runs until ctx is canceled, at which point all subscriptions are
// force-closed.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	e := &EventBroker{
		publishCh:     make(chan *structs.Events, 64),
		eventBuf:      newEventBuffer(cfg.EventBufferSize),
		logger:        cfg.Logger.Named("event_broker"),
		subscriptions: make(map[*Subscription]struct{}),
	}

	go e.handleUpdates(ctx)
	return e
}

// Publish hands events to the broker. Empty sets are dropped.
func (e *EventBroker) Publish(events *structs.Events) {
	if len(events.Events) == 0 {
		return
	}
	if events.Index == 0 {
		events.Index = atomic.AddUint64(&e.publishedIndex, 1)
	}
	e.publishCh <- events
}

// Subscribe registers a new subscription starting at the present: only
// events published after this call are delivered.
func (e *EventBroker) Subscribe(req *SubscribeRequest) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(req, e.eventBuf.Tail(), func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscriptions, sub)
	})
	e.subscriptions[sub] = struct{}{}
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (e *EventBroker) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscriptions)
}

// Len returns the number of retained buffer items.
func (e *EventBroker) Len() int {
	return e.eventBuf.Len()
}

func (e *EventBroker) handleUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.closeAll()
			return
		case update := <-e.publishCh:
			e.eventBuf.Append(update)
		}
	}
}

func (e *EventBroker) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subscriptions {
		sub.forceClose()
	}
	e.subscriptions = make(map[*Subscription]struct{})
}
