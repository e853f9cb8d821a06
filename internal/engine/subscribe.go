package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/tickstate/internal/ir"
)

// Notification tells a listener that a topic changed in a tick.
type Notification struct {
	Topic    ir.TopicKey
	Key      ir.ModuleInstanceKey
	Priority ir.Priority
	TickSeq  int64
	Snapshot *Snapshot
}

// Listener is a subscriber callback. Returned errors and panics are isolated
// per listener and never abort a tick.
type Listener func(Notification) error

type subscription struct {
	id int64
	fn Listener
}

// registry holds topic subscriptions.
type registry struct {
	mu     sync.Mutex
	nextID int64
	subs   map[ir.TopicKey][]subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[ir.TopicKey][]subscription)}
}

func (r *registry) add(topic ir.TopicKey, fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[topic] = append(r.subs[topic], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(topic, id) })
	}
}

func (r *registry) remove(topic ir.TopicKey, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// Copy so an in-flight fan-out keeps its own slice.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, topic)
			} else {
				r.subs[topic] = next
			}
			return
		}
	}
}

// listeners returns the current subscribers of topic. The slice must not be
// modified.
func (r *registry) listeners(topic ir.TopicKey) []subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[topic]
}

func (r *registry) count(topic ir.TopicKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// call runs one listener, turning a panic into a ListenerError.
func call(fn Listener, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerError{Topic: n.Topic, TickSeq: n.TickSeq, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	if e := fn(n); e != nil {
		return &ListenerError{Topic: n.Topic, TickSeq: n.TickSeq, Err: e}
	}
	return nil
}
