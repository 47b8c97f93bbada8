package webhook

import "sync"

// Registry holds webhook subscriptions in memory, grouped by event type.
// It is the minimal contract the Dispatcher needs to fan an Event out to
// every interested subscriber; a deployment with a persistent subscription
// store can swap this for one backed by it without changing Dispatch.
type Registry struct {
	mu   sync.RWMutex
	subs map[string][]Subscription // event type -> subscriptions
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]Subscription)}
}

// Register adds sub to the registry under its Event type. Registering the
// same subscription ID again replaces the prior entry.
func (r *Registry) Register(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.subs[sub.Event]
	for i, s := range existing {
		if s.ID == sub.ID {
			existing[i] = sub
			return
		}
	}
	r.subs[sub.Event] = append(existing, sub)
}

// Unregister removes the subscription with the given ID from every event
// type it was registered under.
func (r *Registry) Unregister(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for event, subs := range r.subs {
		for i, s := range subs {
			if s.ID == subscriptionID {
				r.subs[event] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Subscriptions returns a copy of the subscriptions registered for
// eventType. Safe for concurrent use; the caller may not mutate the
// Dispatcher's internal state via the returned slice.
func (r *Registry) Subscriptions(eventType string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subs[eventType]
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}
