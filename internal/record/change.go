package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChangeKind is the mutation type of a change notification.
type ChangeKind int

// Change kinds. The zero value is deliberately invalid so that an
// unparsed kind is never mistaken for an insert.
const (
	ChangeUnknown ChangeKind = iota
	ChangeInsert
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseChangeKind accepts INSERT, UPDATE and DELETE in any case.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return ChangeInsert, nil
	case "UPDATE":
		return ChangeUpdate, nil
	case "DELETE":
		return ChangeDelete, nil
	default:
		return ChangeUnknown, fmt.Errorf("record: unknown change kind %q", s)
	}
}

// Change is a raw change notification as delivered by a push channel.
// Before and After carry the row images the transport supplied; either may
// be empty. Consumers treat a Change as a hint to refetch, never as a patch.
type Change struct {
	Kind       ChangeKind
	Collection Collection
	Before     json.RawMessage
	After      json.RawMessage
}

// ChangeFunc receives change notifications.
type ChangeFunc func(Change)

// Subscription is a live push channel handle. Unsubscribe is idempotent
// and no ChangeFunc call starts after it returns.
type Subscription interface {
	Unsubscribe() error
}

// Matches reports whether the row image carried by c satisfies f. Filters
// on columns absent from the payload match, since some transports only send
// the primary key on delete.
func (c Change) Matches(f Filter) bool {
	if f.IsZero() {
		return true
	}

	for _, img := range []json.RawMessage{c.After, c.Before} {
		if len(img) == 0 {
			continue
		}

		var row map[string]any
		if err := json.Unmarshal(img, &row); err != nil {
			continue
		}

		v, ok := row[f.Column]
		if !ok {
			continue
		}

		return fmt.Sprint(v) == f.Value
	}

	return true
}
