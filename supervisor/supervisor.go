package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/lexcodex/stdiohub/rpc"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultStopGrace       = time.Second
	DefaultProtocolVersion = "2024-11-05"
)

// Options tunes a Supervisor.
type Options struct {
	// RequestTimeout bounds every correlated call, the handshake included.
	RequestTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// LogCapacity bounds each worker's message log.
	LogCapacity int

	ProtocolVersion    string
	ClientInfo         protocol.ClientInfo
	ClientCapabilities map[string]any

	Logger    *log.Logger
	Telemetry Telemetry
	Metrics   *Metrics
}

// ServerSummary is a point-in-time view of one configured worker.
type ServerSummary struct {
	Name            string     `json:"name"`
	DisplayName     string     `json:"display_name"`
	Description     string     `json:"description,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Status          Status     `json:"status"`
	RunID           string     `json:"run_id,omitempty"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Pending         int        `json:"pending"`
	Negotiated      bool       `json:"negotiated"`
	ProtocolVersion string     `json:"protocol_version,omitempty"`
	ServerName      string     `json:"server_name,omitempty"`
	ServerVersion   string     `json:"server_version,omitempty"`
	ExitError       string     `json:"exit_error,omitempty"`
}

// Supervisor owns at most one worker Instance per configured name.
type Supervisor struct {
	registry *Registry
	opts     Options
	logger   *log.Logger
	metrics  *Metrics

	mu        sync.Mutex
	instances map[string]*Instance
	locks     map[string]*sync.Mutex
}

// New creates a supervisor over the static registry.
func New(registry *Registry, opts Options) (*Supervisor, error) {
	if registry == nil {
		return nil, errors.New("server registry required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = rpc.DefaultTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = rpc.DefaultLogCapacity
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = protocol.ClientInfo{Name: "stdiohub", Version: "0.1.0"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		registry:  registry,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		instances: make(map[string]*Instance),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Registry returns the static server table.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Has reports whether name is configured.
func (s *Supervisor) Has(name string) bool {
	_, ok := s.registry.Lookup(name)
	return ok
}

// Start launches the named worker and completes the handshake. It is a no-op
// when the worker is already ready. A stopped or failed worker is replaced by
// a fresh instance.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	cfg, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if prev := s.lookup(name); prev != nil {
		if prev.Status() == StatusReady {
			return nil
		}
		// An instance left in error by a failed handshake may still be running.
		s.terminate(ctx, prev)
	}

	inst := newInstance(s, cfg)
	s.mu.Lock()
	s.instances[name] = inst
	s.mu.Unlock()
	s.metrics.setStatus(name, StatusInitializing)
	s.emit(Event{Type: EventStatus, Server: name, RunID: inst.RunID, Status: StatusInitializing, Timestamp: time.Now()})

	if err := inst.launch(); err != nil {
		inst.transition(StatusError, StatusInitializing)
		launchErr := &rpc.Error{Kind: rpc.KindLaunch, Server: name, Err: err}
		s.logger.Printf("%s: launch %s failed: %v", name, cfg.Command, err)
		s.metrics.startResult(name, launchErr)
		return launchErr
	}
	s.logger.Printf("%s: started %s (pid %d, run %s)", name, cfg.Command, inst.PID(), inst.RunID)

	// Only RequestTimeout and Stop bound the handshake; the worker outlives the
	// caller that triggered the start.
	if err := s.handshake(context.WithoutCancel(ctx), inst); err != nil {
		inst.transition(StatusError, StatusInitializing)
		hsErr := &rpc.Error{Kind: rpc.KindHandshake, Server: name, Method: MethodInitialize, Err: err}
		s.logger.Printf("%s: handshake failed: %v", name, err)
		s.metrics.startResult(name, hsErr)
		return hsErr
	}
	if !inst.transition(StatusReady, StatusInitializing) {
		exitErr := &rpc.Error{Kind: rpc.KindUnexpectedExit, Server: name, Err: fmt.Errorf("status %s after handshake", inst.Status())}
		s.metrics.startResult(name, exitErr)
		return exitErr
	}
	s.metrics.startResult(name, nil)
	return nil
}

// Stop terminates the named worker: pending calls are rejected, SIGTERM is
// sent, and after the grace period the process is killed. The record is
// removed once the process is gone. Stopping an absent worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if _, ok := s.registry.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	inst := s.lookup(name)
	if inst == nil {
		return nil
	}
	s.terminate(ctx, inst)

	s.mu.Lock()
	if s.instances[name] == inst {
		delete(s.instances, name)
	}
	s.mu.Unlock()
	s.logger.Printf("%s: stopped (run %s)", name, inst.RunID)
	return nil
}

// terminate rejects pending calls and brings the process down. It returns
// once the process has been reaped or, if the process never started,
// immediately.
func (s *Supervisor) terminate(ctx context.Context, inst *Instance) {
	n := inst.correlator.Close(&rpc.Error{Kind: rpc.KindStopped, Server: inst.Name, Err: errors.New("stop requested")})
	s.metrics.rejected(inst.Name, "stop", n)
	if !inst.alive() {
		return
	}

	grace := s.opts.StopGrace
	if inst.signal(terminateSignal) {
		timer := time.NewTimer(grace)
		select {
		case <-inst.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	s.logger.Printf("%s: killing pid %d", inst.Name, inst.PID())
	inst.kill()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-inst.Done():
	case <-timer.C:
		inst.closeOutput()
		<-inst.Done()
	}
}

// Send delivers req to the named worker and returns the correlated response.
// An absent or stopped worker is started first; a worker in the error state
// fails fast with rpc.ErrNotReady. A protocol-level error reply is returned
// as a message, not as an error.
func (s *Supervisor) Send(ctx context.Context, name string, req *jsonrpc2.Request) (*rpc.Message, error) {
	inst, err := s.ensureReady(ctx, name)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	msg, err := inst.correlator.Call(ctx, req)
	s.metrics.observeCall(name, started, msg, err)
	return msg, err
}

// Call is Send with the request built from method and params.
func (s *Supervisor) Call(ctx context.Context, name, method string, params any) (*rpc.Message, error) {
	req := &jsonrpc2.Request{Method: method}
	if params != nil {
		if raw, ok := params.(json.RawMessage); ok {
			req.Params = &raw
		} else if err := req.SetParams(params); err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
	}
	return s.Send(ctx, name, req)
}

func (s *Supervisor) ensureReady(ctx context.Context, name string) (*Instance, error) {
	if _, ok := s.registry.Lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	inst := s.lookup(name)
	if inst != nil && inst.Status() == StatusInitializing {
		// Wait for the start in progress to finish.
		lock := s.nameLock(name)
		lock.Lock()
		lock.Unlock()
		inst = s.lookup(name)
	}
	if inst == nil || inst.Status() == StatusStopped {
		if err := s.Start(ctx, name); err != nil {
			return nil, err
		}
		inst = s.lookup(name)
	}
	if inst == nil {
		return nil, &rpc.Error{Kind: rpc.KindNotReady, Server: name, Err: errors.New("stopped during start")}
	}
	if status := inst.Status(); status != StatusReady {
		return nil, &rpc.Error{Kind: rpc.KindNotReady, Server: name, Err: fmt.Errorf("status %s", status)}
	}
	return inst, nil
}

// Messages returns the newest limit log entries of the named worker, oldest
// first. An absent worker has no messages.
func (s *Supervisor) Messages(name string, limit int) []rpc.LogEntry {
	inst := s.lookup(name)
	if inst == nil {
		return []rpc.LogEntry{}
	}
	return inst.Messages(limit)
}

// Status reports the named worker's status; absent reads as stopped.
func (s *Supervisor) Status(name string) Status {
	inst := s.lookup(name)
	if inst == nil {
		return StatusStopped
	}
	return inst.Status()
}

// Capabilities returns the last negotiated capability object, or nil.
func (s *Supervisor) Capabilities(name string) json.RawMessage {
	inst := s.lookup(name)
	if inst == nil {
		return nil
	}
	return inst.Capabilities()
}

// Instance returns the current record for name, or nil.
func (s *Supervisor) Instance(name string) *Instance {
	return s.lookup(name)
}

// Servers summarizes every configured worker in name order.
func (s *Supervisor) Servers() []ServerSummary {
	names := s.registry.Names()
	out := make([]ServerSummary, 0, len(names))
	for _, name := range names {
		if inst := s.lookup(name); inst != nil {
			sum := inst.summary()
			sum.Pending = inst.Pending()
			out = append(out, sum)
			continue
		}
		cfg, _ := s.registry.Lookup(name)
		out = append(out, ServerSummary{
			Name:        cfg.Name,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
			Tags:        cfg.Capabilities,
			Status:      StatusStopped,
		})
	}
	return out
}

// Close stops every worker.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for idx, name := range names {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			errs[idx] = s.Stop(ctx, name)
		}(idx, name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) lookup(name string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[name]
}

func (s *Supervisor) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

func (s *Supervisor) emit(evt Event) {
	if s.opts.Telemetry == nil {
		return
	}
	s.opts.Telemetry.Emit(evt)
}
