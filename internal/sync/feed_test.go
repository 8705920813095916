package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/researchroom/internal/record"
)

var papersInR1 = Scope{Collection: record.Papers, Filter: record.Eq("room_id", "R1")}

func TestChangeFeed_NormalizesEvents(t *testing.T) {
	sub := &fakeSub{}
	f := NewChangeFeed[record.Paper](sub, testLogger(t))

	var got []Event[record.Paper]
	require.NoError(t, f.Subscribe(context.Background(), papersInR1, func(ev Event[record.Paper]) {
		got = append(got, ev)
	}))
	assert.True(t, f.Connected())

	p := paper("1", "R1", "P1", 0)
	sub.emit(paperChange(record.ChangeInsert, nil, &p))
	sub.emit(paperChange(record.ChangeDelete, &record.Paper{ID: "1"}, nil))

	require.Len(t, got, 2)
	assert.Equal(t, record.ChangeInsert, got[0].Kind)
	assert.Equal(t, "P1", got[0].After.Title)
	assert.Equal(t, record.ChangeDelete, got[1].Kind)
	assert.Equal(t, "1", got[1].ID())
	assert.Equal(t, int64(2), f.Delivered())
}

func TestChangeFeed_DropsMalformed(t *testing.T) {
	sub := &fakeSub{}
	f := NewChangeFeed[record.Paper](sub, testLogger(t))

	var got int
	require.NoError(t, f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) { got++ }))

	tests := []record.Change{
		{Kind: record.ChangeInsert, Collection: record.Papers},
		{Kind: record.ChangeInsert, Collection: record.Papers, After: json.RawMessage(`{"id":`)},
		{Kind: record.ChangeInsert, Collection: record.Papers, After: json.RawMessage(`{"title":"no id"}`)},
		{Kind: record.ChangeDelete, Collection: record.Papers, After: json.RawMessage(`{"id":"1"}`)},
		{Kind: record.ChangeUnknown, Collection: record.Papers, After: json.RawMessage(`{"id":"1"}`)},
		{Kind: record.ChangeInsert, Collection: record.Annotations, After: json.RawMessage(`{"id":"1"}`)},
	}

	for _, c := range tests {
		sub.emit(c)
	}

	assert.Zero(t, got)
	assert.Equal(t, int64(len(tests)), f.Dropped())
}

func TestChangeFeed_NoDeliveryAfterUnsubscribe(t *testing.T) {
	sub := &fakeSub{}
	f := NewChangeFeed[record.Paper](sub, testLogger(t))

	var got int
	require.NoError(t, f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) { got++ }))

	f.Unsubscribe()
	f.Unsubscribe()

	p := paper("1", "R1", "P1", 0)
	sub.emit(paperChange(record.ChangeInsert, nil, &p))

	assert.Zero(t, got)
	assert.Equal(t, 1, sub.unsubCount())
	assert.False(t, f.Connected())
}

func TestChangeFeed_SubscribeFailureDegrades(t *testing.T) {
	sub := &fakeSub{fail: errors.New("socket refused")}
	f := NewChangeFeed[record.Paper](sub, testLogger(t))

	err := f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) {})
	require.Error(t, err)
	assert.False(t, f.Connected())

	// Unsubscribe on a feed that never connected is harmless.
	f.Unsubscribe()
	assert.Zero(t, sub.unsubCount())
}

func TestChangeFeed_SubscribeOnce(t *testing.T) {
	f := NewChangeFeed[record.Paper](&fakeSub{}, testLogger(t))

	require.NoError(t, f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) {}))
	assert.ErrorIs(t, f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) {}), ErrFeedSubscribed)
}

func TestChangeFeed_NilSubscriber(t *testing.T) {
	f := NewChangeFeed[record.Paper](nil, testLogger(t))

	require.NoError(t, f.Subscribe(context.Background(), papersInR1, func(Event[record.Paper]) {}))
	assert.False(t, f.Connected())
	f.Unsubscribe()
}
