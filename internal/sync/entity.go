package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Entity is the constraint on synchronized record types. Equal compares
// field values and is what the focus tracker uses to detect a remote
// update of the focused record.
type Entity[T any] interface {
	EntityID() string
	EntityCreated() time.Time
	EntityCollection() record.Collection
	Equal(T) bool
}

// Scope is the collection plus filter a Session is responsible for, e.g.
// all papers where room_id = X.
type Scope struct {
	Collection record.Collection
	Filter     record.Filter
}

func (s Scope) String() string {
	if s.Filter.IsZero() {
		return string(s.Collection)
	}

	return string(s.Collection) + "?" + s.Filter.String()
}

// Trigger says why a refresh ran.
type Trigger int

const (
	TriggerInitial Trigger = iota
	TriggerEvent
	TriggerTick
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerInitial:
		return "initial"
	case TriggerEvent:
		return "event"
	case TriggerTick:
		return "tick"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Event is a validated change notification. Exactly the images the kind
// requires are present: After for insert and update, Before for delete.
// Before on an update is optional.
type Event[T Entity[T]] struct {
	Kind       record.ChangeKind
	Collection record.Collection
	Before     *T
	After      *T
}

// ID returns the identity of the record the event is about.
func (e Event[T]) ID() string {
	if e.After != nil {
		return (*e.After).EntityID()
	}

	if e.Before != nil {
		return (*e.Before).EntityID()
	}

	return ""
}

// normalizeChange turns a transport change into an Event. Changes for
// another collection, of unknown kind, or whose required image is missing
// or undecodable are rejected.
func normalizeChange[T Entity[T]](c record.Change) (Event[T], error) {
	var zero T
	if c.Collection != zero.EntityCollection() {
		return Event[T]{}, fmt.Errorf("sync: change for %q delivered to %q feed", c.Collection, zero.EntityCollection())
	}

	ev := Event[T]{Kind: c.Kind, Collection: c.Collection}

	before, err := decodeImage[T](c.Before)
	if err != nil {
		return Event[T]{}, fmt.Errorf("sync: decoding old image: %w", err)
	}

	after, err := decodeImage[T](c.After)
	if err != nil {
		return Event[T]{}, fmt.Errorf("sync: decoding new image: %w", err)
	}

	ev.Before, ev.After = before, after

	switch c.Kind {
	case record.ChangeInsert, record.ChangeUpdate:
		if after == nil {
			return Event[T]{}, fmt.Errorf("sync: %s without new image", c.Kind)
		}
	case record.ChangeDelete:
		if before == nil {
			return Event[T]{}, fmt.Errorf("sync: delete without old image")
		}
	default:
		return Event[T]{}, fmt.Errorf("sync: unknown change kind %d", c.Kind)
	}

	if ev.ID() == "" {
		return Event[T]{}, fmt.Errorf("sync: %s without record id", c.Kind)
	}

	return ev, nil
}

func decodeImage[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil //nolint:nilnil // absent image
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return &v, nil
}

// decodeRows decodes fetched rows, skipping any that fail to decode.
func decodeRows[T any](rows []json.RawMessage) (items []T, skipped int) {
	items = make([]T, 0, len(rows))

	for _, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			skipped++
			continue
		}

		items = append(items, v)
	}

	return items, skipped
}
