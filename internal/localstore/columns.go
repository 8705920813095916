package localstore

import (
	"fmt"
	"strings"

	"github.com/tonimelisma/researchroom/internal/record"
)

// table describes one collection's columns. Only listed columns may appear
// in a filter, an order or an inserted row, which keeps caller-supplied
// names out of SQL text.
type table struct {
	name     string
	columns  []string
	required []string
	defaults map[string]string
}

var tables = map[record.Collection]table{
	record.Rooms: {
		name:     "rooms",
		columns:  []string{"id", "name", "created_by", "created_at"},
		required: []string{"name", "created_by"},
	},
	record.Papers: {
		name:     "papers",
		columns:  []string{"id", "title", "summary", "full_text", "created_at", "room_id"},
		required: []string{"title", "room_id"},
	},
	record.Annotations: {
		name:     "annotations",
		columns:  []string{"id", "paper_id", "content", "ai_suggestions", "position", "user_identity", "color", "created_at"},
		required: []string{"paper_id", "content", "user_identity", "color"},
		defaults: map[string]string{"position": record.PositionEnd},
	},
}

func lookupTable(c record.Collection) (table, error) {
	t, ok := tables[c]
	if !ok {
		return table{}, fmt.Errorf("localstore: unknown collection %q: %w", c, record.ErrInvalidInput)
	}

	return t, nil
}

func (t table) has(column string) bool {
	for _, c := range t.columns {
		if c == column {
			return true
		}
	}

	return false
}

// jsonSelect renders json_object('col', col, ...) so rows come back in the
// same shape the REST backend returns.
func (t table) jsonSelect() string {
	parts := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		parts = append(parts, fmt.Sprintf("'%s', %s", c, c))
	}

	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// selectQuery builds the fetch statement for filter and order.
func (t table) selectQuery(filter record.Filter, order record.Order) (string, []any, error) {
	var b strings.Builder

	b.WriteString("SELECT ")
	b.WriteString(t.jsonSelect())
	b.WriteString(" FROM ")
	b.WriteString(t.name)

	var args []any

	if !filter.IsZero() {
		if !t.has(filter.Column) {
			return "", nil, fmt.Errorf("localstore: cannot filter %s by %q: %w", t.name, filter.Column, record.ErrInvalidInput)
		}

		b.WriteString(" WHERE ")
		b.WriteString(filter.Column)
		b.WriteString(" = ?")

		args = append(args, filter.Value)
	}

	if order.Column != "" {
		if !t.has(order.Column) {
			return "", nil, fmt.Errorf("localstore: cannot order %s by %q: %w", t.name, order.Column, record.ErrInvalidInput)
		}

		b.WriteString(" ORDER BY ")
		b.WriteString(order.Column)

		if order.Ascending {
			b.WriteString(" ASC")
		} else {
			b.WriteString(" DESC")
		}

		b.WriteString(", id")
	}

	return b.String(), args, nil
}
