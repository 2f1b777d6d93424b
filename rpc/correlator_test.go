package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire captures outbound messages so tests can answer them.
type wire struct {
	out chan *Message
	err error
}

func newWire() *wire {
	return &wire{out: make(chan *Message, 256)}
}

func (w *wire) write(msg *Message) error {
	if w.err != nil {
		return w.err
	}
	w.out <- msg
	return nil
}

func (w *wire) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-w.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func reply(t *testing.T, id jsonrpc2.ID, result string) *Message {
	t.Helper()
	return mustParse(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id.String(), result))
}

func TestCorrelatorAssignsSequentialIDs(t *testing.T) {
	w := newWire()
	c := NewCorrelator("calc", time.Second, w.write)
	done := make(chan *Message, 2)
	for i := 0; i < 2; i++ {
		go func() {
			msg, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "ping", ID: jsonrpc2.ID{Num: 99}})
			assert.NoError(t, err)
			done <- msg
		}()
	}
	ids := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		req := w.next(t)
		require.True(t, req.HasID())
		ids[req.ID.Num] = true
		assert.True(t, c.Resolve(reply(t, *req.ID, "{}")))
	}
	<-done
	<-done
	assert.Equal(t, map[uint64]bool{1: true, 2: true}, ids)
	assert.Equal(t, uint64(2), c.LastID())
}

func TestCorrelatorOutOfOrderResponses(t *testing.T) {
	const n = 50
	w := newWire()
	c := NewCorrelator("calc", 5*time.Second, w.write)

	type outcome struct {
		sent uint64
		got  *Message
		err  error
	}
	results := make(chan outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "add"})
			var sent uint64
			if msg != nil && msg.HasID() {
				sent = msg.ID.Num
			}
			results <- outcome{sent: sent, got: msg, err: err}
		}()
	}

	reqs := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, w.next(t))
	}
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, req := range reqs {
		require.True(t, c.Resolve(reply(t, *req.ID, fmt.Sprintf(`{"echo":%d}`, req.ID.Num))))
	}
	wg.Wait()
	close(results)

	seen := map[uint64]bool{}
	for res := range results {
		require.NoError(t, res.err)
		var body struct {
			Echo uint64 `json:"echo"`
		}
		require.NoError(t, res.got.DecodeResult(&body))
		assert.Equal(t, res.sent, body.Echo)
		assert.False(t, seen[res.sent], "id %d settled twice", res.sent)
		seen[res.sent] = true
	}
	assert.Len(t, seen, n)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorProtocolErrorIsAResult(t *testing.T) {
	w := newWire()
	c := NewCorrelator("notes", time.Second, w.write)
	go func() {
		req := w.next(t)
		c.Resolve(mustParse(t, fmt.Sprintf(`{"id":%d,"error":{"code":-32601,"message":"no such method"}}`, req.ID.Num)))
	}()
	msg, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "missing"})
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "no such method", msg.Error.Message)
}

func TestCorrelatorTimeoutFreesIDAndIgnoresLateResponse(t *testing.T) {
	w := newWire()
	c := NewCorrelator("weather", 30*time.Millisecond, w.write)
	_, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Zero(t, c.Pending())

	req := w.next(t)
	assert.False(t, c.Resolve(reply(t, *req.ID, "{}")))
}

func TestCorrelatorWriteFailure(t *testing.T) {
	w := newWire()
	w.err = errors.New("broken pipe")
	c := NewCorrelator("calc", time.Minute, w.write)
	_, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "add"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Zero(t, c.Pending())
}

func TestCorrelatorCloseRejectsAllOnce(t *testing.T) {
	w := newWire()
	c := NewCorrelator("calc", time.Minute, w.write)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "add"})
			errs <- err
		}()
	}
	reqs := []*Message{w.next(t), w.next(t), w.next(t)}

	exitErr := &Error{Kind: KindUnexpectedExit, Server: "calc", Err: errors.New("exit status 1")}
	assert.Equal(t, 3, c.Close(exitErr))
	for i := 0; i < 3; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrUnexpectedExit)
	}
	for _, req := range reqs {
		assert.False(t, c.Resolve(reply(t, *req.ID, "{}")))
	}

	_, err := c.Call(context.Background(), &jsonrpc2.Request{Method: "add"})
	assert.ErrorIs(t, err, ErrUnexpectedExit)
	_, err = c.Notify(&jsonrpc2.Request{Method: "initialized"})
	assert.ErrorIs(t, err, ErrUnexpectedExit)
}

func TestCorrelatorContextCancel(t *testing.T) {
	w := newWire()
	c := NewCorrelator("calc", time.Minute, w.write)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, &jsonrpc2.Request{Method: "add"})
		errs <- err
	}()
	req := w.next(t)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.False(t, c.Resolve(reply(t, *req.ID, "{}")))
	assert.Zero(t, c.Pending())
}

func TestCorrelatorNotifyDoesNotRegister(t *testing.T) {
	w := newWire()
	c := NewCorrelator("calc", time.Minute, w.write)
	msg, err := c.Notify(&jsonrpc2.Request{Method: "initialized", ID: jsonrpc2.ID{Num: 5}})
	require.NoError(t, err)
	assert.False(t, msg.HasID())
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.LastID())
	assert.False(t, w.next(t).HasID())
}
