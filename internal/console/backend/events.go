package backend

import (
	"sort"
	"sync"
)

// AuthEvent names an auth state transition.
type AuthEvent string

const (
	// EventSignedIn fires after a successful credential sign-in.
	EventSignedIn AuthEvent = "SIGNED_IN"
	// EventSignedOut fires after sign-out or when a refresh fails.
	EventSignedOut AuthEvent = "SIGNED_OUT"
	// EventTokenRefreshed fires after the access token was renewed.
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// AuthListener receives auth state changes.
type AuthListener func(event AuthEvent, session *Session)

// Subscription is the handle returned by OnAuthStateChange.
type Subscription interface {
	Unsubscribe()
}

type listenerRegistry struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]AuthListener
}

type subscription struct {
	once     sync.Once
	registry *listenerRegistry
	id       int
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.mu.Lock()
		delete(s.registry.listeners, s.id)
		s.registry.mu.Unlock()
	})
}

func (r *listenerRegistry) add(fn AuthListener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[int]AuthListener)
	}
	r.nextID++
	r.listeners[r.nextID] = fn
	return &subscription{registry: r, id: r.nextID}
}

// emit calls listeners outside the lock so they may unsubscribe themselves.
func (r *listenerRegistry) emit(event AuthEvent, session *Session) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]AuthListener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, r.listeners[id])
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(event, session)
	}
}
