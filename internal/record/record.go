// Package record defines the shared vocabulary of researchroom: the three
// synchronized record types, the collection/filter/order triple used to
// scope a fetch or a subscription, raw change notifications, and the error
// taxonomy every other package classifies failures into.
//
// This is a leaf package. It imports nothing from the rest of the module so
// that sync/, remote/, localstore/ and room/ can all share it.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Collection names a remote table.
type Collection string

// The synchronized collections.
const (
	Rooms       Collection = "rooms"
	Papers      Collection = "papers"
	Annotations Collection = "annotations"
)

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	switch c {
	case Rooms, Papers, Annotations:
		return true
	default:
		return false
	}
}

func (c Collection) String() string {
	return string(c)
}

// Filter is an equality predicate on a single column. The zero Filter
// matches every row.
type Filter struct {
	Column string
	Value  string
}

// Eq builds a Filter for column = value.
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

// IsZero reports whether f matches every row.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// String renders the filter in the column=eq.value form used on the wire.
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}

	return f.Column + "=eq." + f.Value
}

// ParseFilter is the inverse of Filter.String.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}

	col, val, ok := strings.Cut(s, "=eq.")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("record: malformed filter %q", s)
	}

	return Filter{Column: col, Value: val}, nil
}

// Order sorts a fetch by one column.
type Order struct {
	Column    string
	Ascending bool
}

// NewestFirst and OldestFirst are the two orderings the application uses.
var (
	NewestFirst = Order{Column: "created_at", Ascending: false}
	OldestFirst = Order{Column: "created_at", Ascending: true}
)

// String renders the order in the column.asc|desc form used on the wire.
func (o Order) String() string {
	if o.Column == "" {
		return ""
	}

	if o.Ascending {
		return o.Column + ".asc"
	}

	return o.Column + ".desc"
}

// Room is a shared workspace. Rooms are created by the join flow and never
// updated; deleting one cascades to its papers and annotations.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Room) EntityID() string {
	return r.ID
}

func (r Room) EntityCreated() time.Time {
	return r.CreatedAt
}

func (r Room) EntityCollection() Collection {
	return Rooms
}

// Equal compares field values. Timestamps compare by instant so that two
// decodes of the same row with different zone offsets are equal.
func (r Room) Equal(o Room) bool {
	return r.ID == o.ID && r.Name == o.Name && r.CreatedBy == o.CreatedBy &&
		r.CreatedAt.Equal(o.CreatedAt)
}

// Paper is an uploaded document with its extracted text and a generated
// summary attached at upload time.
type Paper struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	FullText  string    `json:"full_text"`
	CreatedAt time.Time `json:"created_at"`
	RoomID    string    `json:"room_id"`
}

func (p Paper) EntityID() string {
	return p.ID
}

func (p Paper) EntityCreated() time.Time {
	return p.CreatedAt
}

func (p Paper) EntityCollection() Collection {
	return Papers
}

func (p Paper) Equal(o Paper) bool {
	return p.ID == o.ID && p.Title == o.Title && p.Summary == o.Summary &&
		p.FullText == o.FullText && p.RoomID == o.RoomID &&
		p.CreatedAt.Equal(o.CreatedAt)
}

// PositionEnd is the only annotation position the application writes.
const PositionEnd = "end"

// Annotation is a note attached to a paper. AISuggestions holds the mentor
// feedback generated when the note was created and is empty when the
// assistant produced none.
type Annotation struct {
	ID            string    `json:"id"`
	PaperID       string    `json:"paper_id"`
	Content       string    `json:"content"`
	AISuggestions string    `json:"ai_suggestions,omitempty"`
	Position      string    `json:"position"`
	UserIdentity  string    `json:"user_identity"`
	Color         string    `json:"color"`
	CreatedAt     time.Time `json:"created_at"`
}

func (a Annotation) EntityID() string {
	return a.ID
}

func (a Annotation) EntityCreated() time.Time {
	return a.CreatedAt
}

func (a Annotation) EntityCollection() Collection {
	return Annotations
}

func (a Annotation) Equal(o Annotation) bool {
	return a.ID == o.ID && a.PaperID == o.PaperID && a.Content == o.Content &&
		a.AISuggestions == o.AISuggestions && a.Position == o.Position &&
		a.UserIdentity == o.UserIdentity && a.Color == o.Color &&
		a.CreatedAt.Equal(o.CreatedAt)
}
