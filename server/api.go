package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexcodex/stdiohub/persistence"
	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/supervisor"
)

// Backend is the supervisor surface the API drives.
type Backend interface {
	Has(name string) bool
	Servers() []supervisor.ServerSummary
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Call(ctx context.Context, name, method string, params any) (*rpc.Message, error)
	Messages(name string, limit int) []rpc.LogEntry
	Status(name string) supervisor.Status
	Capabilities(name string) json.RawMessage
	Close(ctx context.Context) error
}

// APIServer exposes the supervisor over HTTP.
type APIServer struct {
	Backend Backend
	Logger  *log.Logger

	// Optional components; nil disables the matching routes.
	Transcripts persistence.TranscriptStore
	Events      *EventHub
	Limiter     *Limiter
	Gatherer    prometheus.Gatherer

	// CallTimeout bounds a whole request route, auto-start included.
	CallTimeout time.Duration
	// ShutdownTimeout bounds HTTP shutdown and stopping the workers.
	ShutdownTimeout time.Duration
}

// RequestBody is the payload of the request route.
type RequestBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StatusResponse reports one worker's status.
type StatusResponse struct {
	Server string            `json:"server"`
	Status supervisor.Status `json:"status"`
}

// CapabilitiesResponse carries the negotiated capabilities, null when none.
type CapabilitiesResponse struct {
	Server       string          `json:"server"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext serves until ctx is canceled, then shuts the listener down and
// stops every worker.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logf("API listening on %s", addr)
	select {
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if s.Events != nil {
			s.Events.Close()
		}
		if err := s.Backend.Close(shutdownCtx); err != nil {
			s.logf("stopping workers: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler builds the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("POST /api/servers/{name}/start", s.handleStart)
	mux.HandleFunc("POST /api/servers/{name}/stop", s.handleStop)
	mux.HandleFunc("POST /api/servers/{name}/request", s.handleRequest)
	mux.HandleFunc("GET /api/servers/{name}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/servers/{name}/status", s.handleStatus)
	mux.HandleFunc("GET /api/servers/{name}/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/servers/{name}/transcript", s.handleTranscript)
	if s.Events != nil {
		mux.Handle("GET /api/events", s.Events)
	}
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *APIServer) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.Backend.Servers()})
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	if err := s.Backend.Start(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Server: name, Status: s.Backend.Status(name)})
}

func (s *APIServer) handleStop(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	if err := s.Backend.Stop(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Server: name, Status: s.Backend.Status(name)})
}

func (s *APIServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("decode body: %v", err)})
		return
	}
	if body.Method == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "method required"})
		return
	}
	if allowed, retry := s.Limiter.Allow(name); !allowed {
		if retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		}
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
		return
	}

	ctx := r.Context()
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	var params any
	if len(body.Params) > 0 {
		params = body.Params
	}
	msg, err := s.Backend.Call(ctx, name, body.Method, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *APIServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": name, "messages": s.Backend.Messages(name, limit)})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Server: name, Status: s.Backend.Status(name)})
}

func (s *APIServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	caps := s.Backend.Capabilities(name)
	if caps == nil {
		caps = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, CapabilitiesResponse{Server: name, Capabilities: caps})
}

func (s *APIServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	name, ok := s.serverName(w, r)
	if !ok {
		return
	}
	if s.Transcripts == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "transcript archive disabled"})
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.Transcripts.History(r.Context(), name, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []persistence.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": name, "transcript": entries})
}

func (s *APIServer) serverName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if !s.Backend.Has(name) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown server %q", name), Kind: "unknown_server"})
		return "", false
	}
	return name, true
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// classify maps supervisor failures onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownServer):
		return http.StatusNotFound, "unknown_server"
	case errors.Is(err, rpc.ErrNotReady):
		return http.StatusConflict, rpc.KindNotReady.String()
	case errors.Is(err, rpc.ErrTimeout):
		return http.StatusGatewayTimeout, rpc.KindTimeout.String()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	}
	if kind := rpc.KindOf(err); kind != rpc.KindUnknown {
		return http.StatusBadGateway, kind.String()
	}
	return http.StatusInternalServerError, ""
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
		return 0, false
	}
	return limit, true
}

func (s *APIServer) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
