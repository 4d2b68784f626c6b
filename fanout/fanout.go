// Package fanout maps subscription keys (channels, users, categories) to the
// viewers that want them and delivers outbound messages without blocking.
package fanout

import (
	"sync"
)

// Viewer receives outbound messages. Deliver must not block; a viewer that cannot
// accept a message drops it and reports false.
type Viewer interface {
	ID() string
	Deliver(msg any) bool
}

// Registry is a many-to-many index between keys and viewers. It is safe for
// concurrent use and may be called from inside Deliver.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]map[string]Viewer   // key -> viewer id -> viewer
	byView  map[string]map[string]struct{} // viewer id -> keys
	viewers map[string]Viewer

	// OnDrop, if set, is called for every message a viewer refused.
	OnDrop func(v Viewer)
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[string]map[string]Viewer),
		byView:  make(map[string]map[string]struct{}),
		viewers: make(map[string]Viewer),
	}
}

// Attach registers a viewer for broadcasts without subscribing it to any key.
func (r *Registry) Attach(v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[v.ID()] = v
	if _, ok := r.byView[v.ID()]; !ok {
		r.byView[v.ID()] = make(map[string]struct{})
	}
}

// Subscribe adds v to key. Repeating it is a no-op.
func (r *Registry) Subscribe(key string, v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := v.ID()
	r.viewers[id] = v
	subs, ok := r.byKey[key]
	if !ok {
		subs = make(map[string]Viewer)
		r.byKey[key] = subs
	}
	subs[id] = v
	keys, ok := r.byView[id]
	if !ok {
		keys = make(map[string]struct{})
		r.byView[id] = keys
	}
	keys[key] = struct{}{}
}

// Unsubscribe removes v from key. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(key string, v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(key, v.ID())
}

func (r *Registry) unsubscribeLocked(key, id string) {
	if subs, ok := r.byKey[key]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.byKey, key)
		}
	}
	if keys, ok := r.byView[id]; ok {
		delete(keys, key)
	}
}

// RemoveEverywhere drops every subscription of v and forgets it. The cost is
// proportional to the viewer's own subscriptions.
func (r *Registry) RemoveEverywhere(v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := v.ID()
	for key := range r.byView[id] {
		r.unsubscribeLocked(key, id)
	}
	delete(r.byView, id)
	delete(r.viewers, id)
}

// Publish delivers msg to the viewers subscribed to key and returns how many accepted it.
func (r *Registry) Publish(key string, msg any) int {
	r.mu.RLock()
	subs := make([]Viewer, 0, len(r.byKey[key]))
	for _, v := range r.byKey[key] {
		subs = append(subs, v)
	}
	r.mu.RUnlock()
	return r.deliver(subs, msg)
}

// Broadcast delivers msg to every attached viewer.
func (r *Registry) Broadcast(msg any) int {
	r.mu.RLock()
	all := make([]Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		all = append(all, v)
	}
	r.mu.RUnlock()
	return r.deliver(all, msg)
}

func (r *Registry) deliver(vs []Viewer, msg any) int {
	n := 0
	for _, v := range vs {
		if v.Deliver(msg) {
			n++
		} else if r.OnDrop != nil {
			r.OnDrop(v)
		}
	}
	return n
}

// Subscribers returns how many viewers are subscribed to key.
func (r *Registry) Subscribers(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

// Viewers returns the number of attached viewers.
func (r *Registry) Viewers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}
