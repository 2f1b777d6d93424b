package rpc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestRecorderEvictsOldestFirst(t *testing.T) {
	r := NewRecorder(DefaultLogCapacity)
	for i := 1; i <= 60; i++ {
		r.Record(DirectionRequest, mustParse(t, fmt.Sprintf(`{"id":%d,"method":"m"}`, i)))
	}
	entries := r.Entries(0)
	require.Len(t, entries, DefaultLogCapacity)
	for i, entry := range entries {
		assert.JSONEq(t, fmt.Sprintf(`{"id":%d,"method":"m"}`, i+11), string(entry.Message.Raw))
	}
}

func TestRecorderEntriesLimitReturnsNewest(t *testing.T) {
	r := NewRecorder(5)
	for i := 1; i <= 4; i++ {
		r.Record(DirectionResponse, mustParse(t, fmt.Sprintf(`{"id":%d,"result":%d}`, i, i)))
	}
	last := r.Entries(2)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(3), last[0].Message.ID.Num)
	assert.Equal(t, uint64(4), last[1].Message.ID.Num)
	assert.Len(t, r.Entries(100), 4)
}

func TestRecorderReadsDoNotAlias(t *testing.T) {
	r := NewRecorder(3)
	r.Record(DirectionRequest, mustParse(t, `{"id":1,"method":"a"}`))
	snapshot := r.Entries(0)
	snapshot[0].Type = "mutated"
	r.Record(DirectionRequest, mustParse(t, `{"id":2,"method":"b"}`))
	entries := r.Entries(0)
	assert.Equal(t, "a", entries[0].Type)
	assert.Equal(t, "b", entries[1].Type)
	assert.Equal(t, DirectionRequest, entries[1].Direction)
	assert.Equal(t, 2, r.Len())
}
