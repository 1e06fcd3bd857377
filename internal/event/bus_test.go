package event

import (
	"context"
	"testing"
)

func TestBus_DispatchesToAllHandlersInOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(HandlerFunc(func(ev Event) { got = append(got, "a:"+string(ev.Kind)) }))
	bus.Subscribe(HandlerFunc(func(ev Event) { got = append(got, "b:"+string(ev.Kind)) }))

	bus.Notify(context.Background(), Event{Kind: KindQueueDeleted, QueueID: 7})

	want := []string{"a:queue_deleted", "b:queue_deleted"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBus_NoHandlersIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Dispatch(Event{Kind: KindEntryChanged})
}

// 配送中に購読者が追加されてもデッドロックしないことを検証
func TestBus_SubscribeDuringDispatch(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(HandlerFunc(func(ev Event) {
		calls++
		if calls == 1 {
			bus.Subscribe(HandlerFunc(func(Event) {}))
		}
	}))

	bus.Dispatch(Event{Kind: KindQueueCreated})
	bus.Dispatch(Event{Kind: KindQueueCreated})

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
