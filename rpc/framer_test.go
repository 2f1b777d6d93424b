package rpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerJoinsSplitMessage(t *testing.T) {
	f := &Framer{}
	first := f.Feed([]byte(`{"a":1}` + "\n" + `{"b":2`))
	require.Len(t, first, 1)
	assert.JSONEq(t, `{"a":1}`, string(first[0].Raw))
	assert.Equal(t, len(`{"b":2`), f.Buffered())

	second := f.Feed([]byte("}\n"))
	require.Len(t, second, 1)
	assert.JSONEq(t, `{"b":2}`, string(second[0].Raw))
	assert.Zero(t, f.Buffered())
}

func TestFramerByteAtATime(t *testing.T) {
	input := `{"id":1,"result":{}}` + "\n" + `{"method":"log","params":{}}` + "\n"
	f := &Framer{}
	var got []*Message
	for i := 0; i < len(input); i++ {
		got = append(got, f.Feed([]byte{input[i]})...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, TypeResponse, got[0].Type())
	assert.Equal(t, "log", got[1].Type())
}

func TestFramerDropsMalformedLineOnly(t *testing.T) {
	var dropped []string
	f := &Framer{OnMalformed: func(line []byte, err error) {
		require.Error(t, err)
		dropped = append(dropped, string(line))
	}}
	msgs := f.Feed([]byte("{\"a\":1}\nnot json\n[1,2]\n{\"b\":2}\n"))
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Raw))
	assert.JSONEq(t, `{"b":2}`, string(msgs[1].Raw))
	assert.Equal(t, []string{"not json", "[1,2]"}, dropped)
}

func TestFramerSkipsBlankLinesAndCRLF(t *testing.T) {
	f := &Framer{OnMalformed: func(line []byte, err error) {
		t.Fatalf("unexpected malformed line %q", line)
	}}
	msgs := f.Feed([]byte("\n  \n{\"id\":3,\"result\":1}\r\n"))
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasID())
	assert.Equal(t, uint64(3), msgs[0].ID.Num)
}

func TestFramerReadMessages(t *testing.T) {
	f := &Framer{}
	var got []string
	err := f.ReadMessages(strings.NewReader("{\"x\":1}\n{\"y\":2}\n{\"z\""), func(m *Message) {
		got = append(got, string(m.Raw))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"x":1}`, `{"y":2}`}, got)
	assert.Equal(t, len(`{"z"`), f.Buffered())
}
