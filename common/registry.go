package common

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInvalidEventName = errors.New("invalid event name")
	ErrUnknownEntity    = errors.New("unknown entity")
)

// EventRegistry is the static set of entity kinds allowed on the wire.
type EventRegistry struct {
	lock     sync.RWMutex
	entities map[string]struct{}
}

func NewEventRegistry(entities ...string) *EventRegistry {
	r := &EventRegistry{entities: make(map[string]struct{}, len(entities))}
	for _, e := range entities {
		if e != "" {
			r.entities[e] = struct{}{}
		}
	}
	return r
}

func (r *EventRegistry) Entities() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]string, 0, len(r.entities))
	for e := range r.entities {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (r *EventRegistry) Knows(entity string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.entities[entity]
	return ok
}

// CheckShape validates "<entity>:<action>" without looking at the registry.
func CheckShape(name EventName) (string, Action, error) {
	entity, action, ok := SplitEventName(name)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEventName, name)
	}
	if !IsAction(Action(action)) {
		return "", "", fmt.Errorf("%w: %q has unsupported action %q", ErrInvalidEventName, name, action)
	}
	return entity, Action(action), nil
}

// Validate checks the shape of name and that its entity is registered.
func (r *EventRegistry) Validate(name EventName) error {
	entity, _, err := CheckShape(name)
	if err != nil {
		return err
	}
	if !r.Knows(entity) {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return nil
}
