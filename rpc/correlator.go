package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// DefaultTimeout bounds how long a call waits for its response.
const DefaultTimeout = 30 * time.Second

// WriteFunc delivers one outbound message to the worker.
type WriteFunc func(msg *Message) error

type callResult struct {
	msg *Message
	err error
}

type pendingCall struct {
	method string
	timer  *time.Timer
	done   chan callResult
}

// Correlator pairs outbound calls with inbound responses for one worker. It
// owns the id space: every call gets the next counter value, starting at 1.
//
// A pending call settles exactly once. Whichever of response, timeout,
// Close or caller cancellation removes the entry from the pending map
// delivers the result; the others find nothing and do nothing.
type Correlator struct {
	server  string
	timeout time.Duration
	write   WriteFunc

	mu      sync.Mutex
	lastID  uint64
	pending map[jsonrpc2.ID]*pendingCall
	closed  error
}

// NewCorrelator creates a correlator that writes through write.
func NewCorrelator(server string, timeout time.Duration, write WriteFunc) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		server:  server,
		timeout: timeout,
		write:   write,
		pending: make(map[jsonrpc2.ID]*pendingCall),
	}
}

// Call sends req with a freshly assigned id and blocks until it settles. Any
// id already set on req is ignored. Protocol-level errors are returned as a
// message with Error set, not as a Go error.
func (c *Correlator) Call(ctx context.Context, req *jsonrpc2.Request) (*Message, error) {
	if req == nil || req.Method == "" {
		return nil, errors.New("request method required")
	}
	out := *req
	out.Notif = false

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, withCall(err, req.Method, "")
	}
	c.lastID++
	id := jsonrpc2.ID{Num: c.lastID}
	out.ID = id
	msg, err := EncodeRequest(&out)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	call := &pendingCall{method: req.Method, done: make(chan callResult, 1)}
	c.pending[id] = call
	call.timer = time.AfterFunc(c.timeout, func() {
		c.settle(id, nil, &Error{
			Kind:   KindTimeout,
			Server: c.server,
			Method: call.method,
			ID:     id.String(),
			Err:    fmt.Errorf("no response within %s", c.timeout),
		})
	})
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.settle(id, nil, &Error{Kind: KindWrite, Server: c.server, Method: call.method, ID: id.String(), Err: err})
	}

	select {
	case res := <-call.done:
		return res.msg, res.err
	case <-ctx.Done():
		c.settle(id, nil, ctx.Err())
		res := <-call.done
		return res.msg, res.err
	}
}

// Notify writes req as a notification. Nothing is registered and no response
// is awaited.
func (c *Correlator) Notify(req *jsonrpc2.Request) (*Message, error) {
	if req == nil || req.Method == "" {
		return nil, errors.New("notification method required")
	}
	out := *req
	out.Notif = true
	out.ID = jsonrpc2.ID{}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed != nil {
		return nil, withCall(closed, req.Method, "")
	}
	msg, err := EncodeRequest(&out)
	if err != nil {
		return nil, err
	}
	if err := c.write(msg); err != nil {
		return nil, &Error{Kind: KindWrite, Server: c.server, Method: req.Method, Err: err}
	}
	return msg, nil
}

// Resolve settles the call matching msg's id. It reports false when msg has
// no id or no call with that id is pending.
func (c *Correlator) Resolve(msg *Message) bool {
	if !msg.HasID() {
		return false
	}
	return c.settle(*msg.ID, msg, nil)
}

// Close rejects every pending call with err and refuses new calls. It
// returns the number of calls rejected. Only the first Close sets the error
// reported to later callers.
func (c *Correlator) Close(err error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[jsonrpc2.ID]*pendingCall)
	c.mu.Unlock()

	for id, call := range pending {
		call.timer.Stop()
		call.done <- callResult{err: withCall(err, call.method, id.String())}
	}
	return len(pending)
}

// Pending reports the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastID returns the most recently assigned id, 0 if none.
func (c *Correlator) LastID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func (c *Correlator) settle(id jsonrpc2.ID, msg *Message, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	call.done <- callResult{msg: msg, err: err}
	return true
}
