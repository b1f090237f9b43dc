package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/youruser/chatbridge/internal/session"
)

type recorded struct {
	event   string
	payload map[string]any
}

func recordingSink(out *[]recorded) Sink {
	return func(event string, payload map[string]any) error {
		*out = append(*out, recorded{event, payload})
		return nil
	}
}

func TestNotifierQueuesWhenDetached(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	n.Notify("streamUpdate", map[string]any{"chunk": "a"})
	n.Notify("streamError", map[string]any{"error": "boom"})
	n.Notify("streamUpdate", map[string]any{"chunk": "b"})

	if _, ok, _ := kv.Get(pendingUpdatesKey); !ok {
		t.Fatal("updates queue not written")
	}
	if _, ok, _ := kv.Get(pendingErrorsKey); !ok {
		t.Fatal("errors queue not written")
	}
}

func TestNotifierDrainReplaysInOrder(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	n.Notify("streamUpdate", map[string]any{"chunk": "a"})
	n.Notify("streamError", map[string]any{"error": "boom"})
	n.Notify("streamUpdate", map[string]any{"chunk": "b"})

	var got []recorded
	if err := n.Drain(recordingSink(&got)); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Updates first, in arrival order, then errors.
	want := []string{"streamUpdate", "streamUpdate", "streamError"}
	if len(got) != len(want) {
		t.Fatalf("replayed %d events, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].event != w {
			t.Errorf("event[%d] = %s, want %s", i, got[i].event, w)
		}
	}
	if got[0].payload["chunk"] != "a" || got[1].payload["chunk"] != "b" {
		t.Errorf("updates out of order: %+v", got)
	}

	// Queues cleared after a successful drain.
	if _, ok, _ := kv.Get(pendingUpdatesKey); ok {
		t.Error("updates queue not cleared")
	}
	if _, ok, _ := kv.Get(pendingErrorsKey); ok {
		t.Error("errors queue not cleared")
	}
}

func TestNotifierDirectDeliveryAfterDrain(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	var got []recorded
	if err := n.Drain(recordingSink(&got)); err != nil {
		t.Fatal(err)
	}

	n.Notify("streamUpdate", map[string]any{"chunk": "live"})
	if len(got) != 1 || got[0].payload["chunk"] != "live" {
		t.Fatalf("got = %+v", got)
	}
	if _, ok, _ := kv.Get(pendingUpdatesKey); ok {
		t.Error("live event was queued")
	}
}

func TestNotifierDetachResumesQueueing(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	var got []recorded
	if err := n.Drain(recordingSink(&got)); err != nil {
		t.Fatal(err)
	}
	n.Detach()

	n.Notify("streamUpdate", map[string]any{"chunk": "x"})
	if len(got) != 0 {
		t.Fatal("delivered while detached")
	}
	if _, ok, _ := kv.Get(pendingUpdatesKey); !ok {
		t.Fatal("event not queued after detach")
	}
}

func TestNotifierFailedDeliveryQueues(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	if err := n.Drain(func(string, map[string]any) error { return nil }); err != nil {
		t.Fatal(err)
	}
	n.mu.Lock()
	n.sink = func(string, map[string]any) error { return errors.New("pipe closed") }
	n.mu.Unlock()

	n.Notify("streamUpdate", map[string]any{"chunk": "x"})
	if _, ok, _ := kv.Get(pendingUpdatesKey); !ok {
		t.Fatal("failed delivery was not queued")
	}
}

func TestNotifierNotifyDuringDrainNotLost(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	n.Notify("streamUpdate", map[string]any{"chunk": "queued"})

	var mu sync.Mutex
	var got []recorded
	replaying := make(chan struct{})
	release := make(chan struct{})
	first := true
	sink := func(event string, payload map[string]any) error {
		if first {
			first = false
			close(replaying)
			<-release
		}
		mu.Lock()
		got = append(got, recorded{event, payload})
		mu.Unlock()
		return nil
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if err := n.Drain(sink); err != nil {
			t.Errorf("Drain: %v", err)
		}
	}()

	// Notify while Drain is mid-replay: it must wait for the drain and
	// then deliver directly, not land in the already-replayed queue.
	<-replaying
	notified := make(chan struct{})
	go func() {
		defer close(notified)
		n.Notify("streamUpdate", map[string]any{"chunk": "live"})
	}()
	close(release)
	<-drained
	<-notified

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].payload["chunk"] != "queued" || got[1].payload["chunk"] != "live" {
		t.Fatalf("events = %+v", got)
	}
	if _, ok, _ := kv.Get(pendingUpdatesKey); ok {
		t.Fatal("live event stranded in the queue")
	}
}

func TestNotifierDrainPartialFailureKeepsRemainder(t *testing.T) {
	kv := session.NewMemoryKV()
	n := NewNotifier(kv)

	n.Notify("streamUpdate", map[string]any{"chunk": "a"})
	n.Notify("streamUpdate", map[string]any{"chunk": "b"})

	calls := 0
	err := n.Drain(func(string, map[string]any) error {
		calls++
		if calls > 1 {
			return errors.New("pipe closed")
		}
		return nil
	})
	if err == nil {
		t.Fatal("Drain succeeded despite sink failure")
	}

	// The undelivered tail stays queued and the notifier stays detached.
	var got []recorded
	if err := n.Drain(recordingSink(&got)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].payload["chunk"] != "b" {
		t.Fatalf("remainder = %+v, want just chunk b", got)
	}
}
