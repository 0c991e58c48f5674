package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yardworks/duelyard/duelyard/structs"
)

type subResult struct {
	Events []structs.Event
	Err    error
}

func consumeSubscription(ctx context.Context, sub *Subscription) <-chan subResult {
	ch := make(chan subResult, 16)
	go func() {
		for {
			es, err := sub.Next(ctx)
			ch <- subResult{Events: es.Events, Err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func nextResult(t *testing.T, ch <-chan subResult) subResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return subResult{}
}

func assertNoResult(t *testing.T, ch <-chan subResult) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected event: %#v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBroker_PublishAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	broker := NewEventBroker(ctx, EventBrokerCfg{EventBufferSize: 100})
	sub := broker.Subscribe(&SubscribeRequest{
		Topics: map[structs.Topic][]string{
			structs.TopicJob: {"job-1"},
		},
	})
	defer sub.Unsubscribe()
	eventCh := consumeSubscription(ctx, sub)

	// Subscriber blocks until something matches.
	assertNoResult(t, eventCh)

	broker.Publish(&structs.Events{Events: []structs.Event{{
		Topic:   structs.TopicJob,
		Type:    structs.TypeJobSnapshot,
		Key:     "job-1",
		Payload: "snapshot-1",
	}}})

	result := nextResult(t, eventCh)
	require.NoError(t, result.Err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "snapshot-1", result.Events[0].Payload)

	// Events for other jobs are filtered out.
	broker.Publish(&structs.Events{Events: []structs.Event{{
		Topic:   structs.TopicJob,
		Key:     "job-2",
		Payload: "other",
	}}})
	assertNoResult(t, eventCh)

	broker.Publish(&structs.Events{Events: []structs.Event{{
		Topic:   structs.TopicSimulation,
		Type:    structs.TypeSimulationSnapshot,
		Key:     "job-1",
		Payload: "sim-update",
	}}})

	// Simulation topic for job-1 is not subscribed, so still nothing.
	assertNoResult(t, eventCh)
}

func TestEventBroker_MultiTopicSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	broker := NewEventBroker(ctx, EventBrokerCfg{})
	sub := broker.Subscribe(&SubscribeRequest{
		Topics: map[structs.Topic][]string{
			structs.TopicJob:        {"job-1"},
			structs.TopicSimulation: {"job-1"},
		},
	})
	defer sub.Unsubscribe()
	eventCh := consumeSubscription(ctx, sub)

	broker.Publish(&structs.Events{Events: []structs.Event{
		{Topic: structs.TopicJob, Key: "job-1", Payload: "job"},
		{Topic: structs.TopicSimulation, Key: "job-1", Payload: "sim"},
		{Topic: structs.TopicSimulation, Key: "job-2", Payload: "noise"},
	}})

	result := nextResult(t, eventCh)
	require.NoError(t, result.Err)
	require.Len(t, result.Events, 2)
}

func TestEventBroker_SubscribeStartsAtPresent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewEventBroker(ctx, EventBrokerCfg{})

	// Publish before anyone subscribes; must not be replayed.
	broker.Publish(&structs.Events{Events: []structs.Event{{
		Topic: structs.TopicJob, Key: "job-1", Payload: "early",
	}}})
	time.Sleep(20 * time.Millisecond)

	sub := broker.Subscribe(&SubscribeRequest{})
	defer sub.Unsubscribe()
	eventCh := consumeSubscription(ctx, sub)
	assertNoResult(t, eventCh)

	broker.Publish(&structs.Events{Events: []structs.Event{{
		Topic: structs.TopicJob, Key: "job-1", Payload: "late",
	}}})
	result := nextResult(t, eventCh)
	require.NoError(t, result.Err)
	require.Equal(t, "late", result.Events[0].Payload)
}

func TestEventBroker_ShutdownClosesSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker := NewEventBroker(ctx, EventBrokerCfg{})

	sub1 := broker.Subscribe(&SubscribeRequest{})
	defer sub1.Unsubscribe()
	sub2 := broker.Subscribe(&SubscribeRequest{})
	defer sub2.Unsubscribe()

	cancel() // shutdown

	_, err := sub1.Next(context.Background())
	require.Equal(t, ErrSubscriptionClosed, err)
	_, err = sub2.Next(context.Background())
	require.Equal(t, ErrSubscriptionClosed, err)
	require.Equal(t, 0, broker.SubscriberCount())
}

func TestEventBroker_Unsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewEventBroker(ctx, EventBrokerCfg{})
	sub := broker.Subscribe(&SubscribeRequest{})
	require.Equal(t, 1, broker.SubscriberCount())

	sub.Unsubscribe()
	require.Equal(t, 0, broker.SubscriberCount())

	// Unsubscribe is idempotent.
	sub.Unsubscribe()
	require.Equal(t, 0, broker.SubscriberCount())
}

func TestEventBuffer_RetentionLimit(t *testing.T) {
	b := newEventBuffer(5)
	for i := 1; i <= 10; i++ {
		b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{{Topic: structs.TopicJob}}})
	}
	require.Equal(t, 5, b.Len())
	require.Equal(t, uint64(6), b.Head().Events.Index)
	require.Equal(t, uint64(10), b.Tail().Events.Index)
}
