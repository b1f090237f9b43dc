// Package bridge coordinates chat dispatch between the session store,
// the model API and the UI event channel.
package bridge

import (
	"encoding/json"
	"sync"

	"github.com/youruser/chatbridge/internal/logging"
	"github.com/youruser/chatbridge/internal/session"
)

var log = logging.Get()

// Pending event queues. Updates and errors queue separately so a
// reconnecting UI can surface errors even after many updates.
const (
	pendingUpdatesKey = "ollama.pendingStreamUpdates"
	pendingErrorsKey  = "ollama.pendingStreamErrors"
)

// Sink delivers one event to the connected UI.
type Sink func(event string, payload map[string]any) error

// Event is one queued notification.
type Event struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Notifier routes background events to the UI when one is attached and
// into durable outbox queues when none is. A failed delivery demotes
// the event to the queue rather than dropping it.
type Notifier struct {
	mu   sync.Mutex
	kv   session.KV
	sink Sink
}

// NewNotifier creates a detached Notifier over the given KV namespace.
func NewNotifier(kv session.KV) *Notifier {
	return &Notifier{kv: kv}
}

// Notify delivers or queues one event. The sink check and the enqueue
// happen under one lock so an event can never land in a queue a
// concurrent Drain already replayed and cleared.
func (n *Notifier) Notify(event string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sink != nil {
		err := n.sink(event, payload)
		if err == nil {
			return
		}
		log.Error("event delivery failed, queueing %s: %v", event, err)
	}
	if err := n.enqueue(Event{Event: event, Payload: payload}); err != nil {
		log.Error("failed to queue event %s: %v", event, err)
	}
}

// Detach stops direct delivery; subsequent events queue.
func (n *Notifier) Detach() {
	n.mu.Lock()
	n.sink = nil
	n.mu.Unlock()
}

func queueKey(event string) string {
	if event == "streamError" {
		return pendingErrorsKey
	}
	return pendingUpdatesKey
}

// enqueue appends ev to its category queue. Callers hold n.mu.
func (n *Notifier) enqueue(ev Event) error {
	key := queueKey(ev.Event)
	queue, err := n.loadQueue(key)
	if err != nil {
		return err
	}
	queue = append(queue, ev)
	return n.saveQueue(key, queue)
}

func (n *Notifier) loadQueue(key string) ([]Event, error) {
	raw, ok, err := n.kv.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	var queue []Event
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		// A corrupt queue is not worth failing dispatch over.
		log.Error("corrupt event queue %s, resetting: %v", key, err)
		return nil, nil
	}
	return queue, nil
}

func (n *Notifier) saveQueue(key string, queue []Event) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return n.kv.Set(key, string(data))
}

// Drain replays all queued events into sink, updates before errors,
// then attaches the sink for direct delivery. Queues are cleared only
// after every replayed event was delivered; a delivery failure leaves
// the remainder queued and the notifier detached.
func (n *Notifier) Drain(sink Sink) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, key := range []string{pendingUpdatesKey, pendingErrorsKey} {
		queue, err := n.loadQueue(key)
		if err != nil {
			return err
		}
		for i, ev := range queue {
			if err := sink(ev.Event, ev.Payload); err != nil {
				if err := n.saveQueue(key, queue[i:]); err != nil {
					log.Error("failed to persist remaining queue %s: %v", key, err)
				}
				return err
			}
		}
		if len(queue) > 0 {
			if err := n.kv.Delete(key); err != nil {
				return err
			}
		}
	}

	n.sink = sink
	return nil
}
