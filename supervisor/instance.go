package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"

	"github.com/lexcodex/stdiohub/rpc"
)

// Status is the lifecycle state of a worker instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// Instance is the supervisor's record of one running (or failed) worker
// process. A fresh Instance, with a new RunID, is created on every start.
type Instance struct {
	Name   string
	RunID  string
	Config ServerConfig

	sup        *Supervisor
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	recorder   *rpc.Recorder
	correlator *rpc.Correlator
	exited     chan struct{}

	writeMu sync.Mutex

	mu              sync.RWMutex
	status          Status
	capabilities    json.RawMessage
	serverInfo      *protocol.ServerInfo
	protocolVersion string
	pid             int
	startedAt       time.Time
	exitErr         error
}

func newInstance(s *Supervisor, cfg ServerConfig) *Instance {
	inst := &Instance{
		Name:     cfg.Name,
		RunID:    uuid.NewString(),
		Config:   cfg,
		sup:      s,
		recorder: rpc.NewRecorder(s.opts.LogCapacity),
		exited:   make(chan struct{}),
		status:   StatusInitializing,
	}
	inst.correlator = rpc.NewCorrelator(cfg.Name, s.opts.RequestTimeout, inst.write)
	return inst
}

// launch starts the process and its reader goroutines.
func (i *Instance) launch() error {
	cfg := i.Config
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	i.cmd = cmd
	i.stdin = stdin
	i.stdout = stdout
	i.stderr = stderr

	i.mu.Lock()
	i.pid = cmd.Process.Pid
	i.startedAt = time.Now()
	i.mu.Unlock()

	go i.run()
	return nil
}

// run drains stdout and stderr, then reaps the process. cmd.Wait must not be
// called before both pipes are fully read.
func (i *Instance) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i.readStdout()
	}()
	go func() {
		defer wg.Done()
		i.readStderr()
	}()
	wg.Wait()
	i.handleExit(i.cmd.Wait())
}

func (i *Instance) readStdout() {
	framer := &rpc.Framer{OnMalformed: i.handleMalformed}
	err := framer.ReadMessages(i.stdout, func(msg *rpc.Message) {
		i.record(rpc.DirectionResponse, msg)
		i.correlator.Resolve(msg)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		i.sup.logger.Printf("%s: stdout read: %v", i.Name, err)
	}
}

func (i *Instance) readStderr() {
	scanner := bufio.NewScanner(i.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		i.sup.logger.Printf("[%s] %s", i.Name, line)
		i.sup.metrics.stderrLine(i.Name)
		i.sup.emit(Event{Type: EventStderr, Server: i.Name, RunID: i.RunID, Message: line, Timestamp: time.Now()})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		i.sup.logger.Printf("%s: stderr read: %v", i.Name, err)
	}
}

func (i *Instance) handleMalformed(line []byte, err error) {
	i.sup.logger.Printf("%s: dropping malformed line %q: %v", i.Name, truncate(string(line), 200), err)
	i.sup.metrics.malformed(i.Name)
	i.sup.emit(Event{
		Type:      EventMalformed,
		Server:    i.Name,
		RunID:     i.RunID,
		Message:   string(line),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"error": err.Error()},
	})
}

// handleExit runs once, after the process has been reaped, whatever the cause.
func (i *Instance) handleExit(waitErr error) {
	i.mu.Lock()
	i.status = StatusStopped
	i.exitErr = waitErr
	i.mu.Unlock()
	close(i.exited)

	cause := waitErr
	if cause == nil {
		cause = errors.New("exit status 0")
	}
	n := i.correlator.Close(&rpc.Error{Kind: rpc.KindUnexpectedExit, Server: i.Name, Err: cause})
	i.sup.metrics.rejected(i.Name, "exit", n)
	i.sup.metrics.setStatus(i.Name, StatusStopped)

	msg := "exited"
	if waitErr != nil {
		msg = waitErr.Error()
	}
	i.sup.logger.Printf("%s: process %d %s", i.Name, i.PID(), msg)
	i.sup.emit(Event{
		Type:      EventExit,
		Server:    i.Name,
		RunID:     i.RunID,
		Status:    StatusStopped,
		Message:   msg,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"rejected": n},
	})
}

// write records msg and sends its frame to stdin. Frames are never
// interleaved; a worker that stops reading blocks the writer.
func (i *Instance) write(msg *rpc.Message) error {
	i.record(rpc.DirectionRequest, msg)
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if i.stdin == nil {
		return errors.New("stdin not connected")
	}
	_, err := i.stdin.Write(msg.Frame())
	return err
}

func (i *Instance) record(dir rpc.Direction, msg *rpc.Message) {
	entry := i.recorder.Record(dir, msg)
	i.sup.metrics.message(i.Name, dir)
	i.sup.emit(Event{Type: EventMessage, Server: i.Name, RunID: i.RunID, Entry: &entry, Timestamp: entry.Timestamp})
}

// transition moves to next if the current status is one of from.
func (i *Instance) transition(next Status, from ...Status) bool {
	i.mu.Lock()
	ok := false
	for _, s := range from {
		if i.status == s {
			ok = true
			break
		}
	}
	if ok {
		i.status = next
	}
	i.mu.Unlock()
	if ok {
		i.sup.metrics.setStatus(i.Name, next)
		i.sup.emit(Event{Type: EventStatus, Server: i.Name, RunID: i.RunID, Status: next, Timestamp: time.Now()})
	}
	return ok
}

func (i *Instance) setSession(result initializeResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	caps := result.Capabilities
	if len(caps) == 0 || string(caps) == "null" {
		caps = json.RawMessage("{}")
	}
	i.capabilities = append(json.RawMessage(nil), caps...)
	i.serverInfo = result.ServerInfo
	i.protocolVersion = result.ProtocolVersion
}

// signal asks the process to terminate; it reports false when the process
// could not be signalled.
func (i *Instance) signal(sig os.Signal) bool {
	if i.cmd == nil || i.cmd.Process == nil {
		return false
	}
	return i.cmd.Process.Signal(sig) == nil
}

func (i *Instance) kill() {
	if i.cmd == nil || i.cmd.Process == nil {
		return
	}
	_ = i.cmd.Process.Kill()
}

// closeOutput unblocks the readers when something other than the worker
// (e.g. a grandchild) keeps its output pipes open.
func (i *Instance) closeOutput() {
	if i.stdout != nil {
		_ = i.stdout.Close()
	}
	if i.stderr != nil {
		_ = i.stderr.Close()
	}
}

// Status reports the lifecycle state.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Capabilities returns the negotiated capability object, nil before a
// successful handshake.
func (i *Instance) Capabilities() json.RawMessage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.capabilities == nil {
		return nil
	}
	return append(json.RawMessage(nil), i.capabilities...)
}

// ServerInfo returns the identity reported in the initialize reply.
func (i *Instance) ServerInfo() *protocol.ServerInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.serverInfo == nil {
		return nil
	}
	info := *i.serverInfo
	return &info
}

// PID returns the process id, 0 if the process never started.
func (i *Instance) PID() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.pid
}

// Messages returns the newest limit log entries.
func (i *Instance) Messages(limit int) []rpc.LogEntry {
	return i.recorder.Entries(limit)
}

// Pending reports outstanding calls.
func (i *Instance) Pending() int {
	return i.correlator.Pending()
}

// Done is closed once the process has exited and been reaped.
func (i *Instance) Done() <-chan struct{} {
	return i.exited
}

func (i *Instance) alive() bool {
	if i.cmd == nil {
		return false
	}
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

func (i *Instance) summary() ServerSummary {
	i.mu.RLock()
	defer i.mu.RUnlock()
	sum := ServerSummary{
		Name:            i.Name,
		DisplayName:     i.Config.DisplayName,
		Description:     i.Config.Description,
		Tags:            append([]string(nil), i.Config.Capabilities...),
		Status:          i.status,
		RunID:           i.RunID,
		PID:             i.pid,
		ProtocolVersion: i.protocolVersion,
		Negotiated:      i.capabilities != nil,
	}
	if !i.startedAt.IsZero() {
		started := i.startedAt
		sum.StartedAt = &started
	}
	if i.serverInfo != nil {
		sum.ServerName = i.serverInfo.Name
		sum.ServerVersion = i.serverInfo.Version
	}
	if i.exitErr != nil {
		sum.ExitError = i.exitErr.Error()
	}
	return sum
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var terminateSignal os.Signal = syscall.SIGTERM
