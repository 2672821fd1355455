package subscriptionmanager

import (
	"encoding/json"
	"slices"

	"github.com/kychandar/changecast/common"
)

// Handle identifies one On registration. The zero Handle never refers to a listener.
type Handle uint64

type Listener func(data json.RawMessage)

// Subscription is returned by On. Unsubscribe removes exactly this registration.
type Subscription struct {
	Event       common.EventName
	Handle      Handle
	unsubscribe func()
}

func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Active reports whether the subscription was actually registered.
func (s Subscription) Active() bool {
	return s.Handle != 0
}

// listenerRegistry is not safe for concurrent use; the manager guards it.
type listenerRegistry struct {
	next   Handle
	byName map[common.EventName]map[Handle]Listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byName: make(map[common.EventName]map[Handle]Listener)}
}

func (r *listenerRegistry) add(event common.EventName, l Listener) Handle {
	r.next++
	set, ok := r.byName[event]
	if !ok {
		set = make(map[Handle]Listener)
		r.byName[event] = set
	}
	set[r.next] = l
	return r.next
}

func (r *listenerRegistry) remove(event common.EventName, h Handle) bool {
	set, ok := r.byName[event]
	if !ok {
		return false
	}
	if _, ok := set[h]; !ok {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.byName, event)
	}
	return true
}

func (r *listenerRegistry) removeAll(event common.EventName) int {
	n := len(r.byName[event])
	delete(r.byName, event)
	return n
}

// snapshot returns the listeners for event in registration order.
func (r *listenerRegistry) snapshot(event common.EventName) []Listener {
	set := r.byName[event]
	if len(set) == 0 {
		return nil
	}
	handles := make([]Handle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	out := make([]Listener, 0, len(handles))
	for _, h := range handles {
		out = append(out, set[h])
	}
	return out
}

func (r *listenerRegistry) count(event common.EventName) int {
	return len(r.byName[event])
}

// clear drops every registration. Handles keep increasing so old ones stay invalid.
func (r *listenerRegistry) clear() {
	r.byName = make(map[common.EventName]map[Handle]Listener)
}
