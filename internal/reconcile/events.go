package reconcile

// EventKind separates general table changes from sync lifecycle events.
type EventKind string

const (
	EventChange EventKind = "change"
	EventSync   EventKind = "sync"
)

// Event is delivered synchronously to subscribers after state is persisted.
// Payload carries operation-specific detail (sync progress, terminal results).
type Event struct {
	Kind      EventKind
	Operation string
	ItemIDs   []string
	Payload   any
}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for all events and returns an unsubscribe handle.
// Subscribers run in registration order; a panicking subscriber does not
// prevent the rest from running.
func (s *Store) Subscribe(fn func(Event)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	s.subscribers = append(s.subscribers, subscriber{id: s.nextSubID, fn: fn})
	return s.nextSubID
}

// Unsubscribe removes a previously registered subscriber. Unknown IDs are a
// no-op.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// EmitSync publishes a sync lifecycle event on behalf of the sync engine.
func (s *Store) EmitSync(operation string, itemIDs []string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(Event{Kind: EventSync, Operation: operation, ItemIDs: itemIDs, Payload: payload})
}

func (s *Store) emitLocked(ev Event) {
	subs := append([]subscriber(nil), s.subscribers...)
	// Deliver without holding the lock so subscribers can read the store.
	s.mu.Unlock()
	defer s.mu.Lock()
	for _, sub := range subs {
		func() {
			defer func() { _ = recover() }()
			sub.fn(ev)
		}()
	}
}
