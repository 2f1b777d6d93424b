package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"
)

// Handshake method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
)

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]any      `json:"capabilities"`
	ClientInfo      protocol.ClientInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string               `json:"protocolVersion"`
	Capabilities    json.RawMessage      `json:"capabilities"`
	ServerInfo      *protocol.ServerInfo `json:"serverInfo,omitempty"`
}

// handshake runs initialize and sends the initialized notification. The
// negotiated session is stored only when both steps succeed; the instance is
// not marked ready here.
func (s *Supervisor) handshake(ctx context.Context, inst *Instance) error {
	caps := s.opts.ClientCapabilities
	if caps == nil {
		caps = map[string]any{}
	}
	req := &jsonrpc2.Request{Method: MethodInitialize}
	if err := req.SetParams(initializeParams{
		ProtocolVersion: s.opts.ProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      s.opts.ClientInfo,
	}); err != nil {
		return err
	}

	reply, err := inst.correlator.Call(ctx, req)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("initialize rejected: %w", reply.Error)
	}
	var result initializeResult
	if reply.Result != nil {
		if err := json.Unmarshal(*reply.Result, &result); err != nil {
			return fmt.Errorf("decode initialize result: %w", err)
		}
	}
	if _, err := inst.correlator.Notify(&jsonrpc2.Request{Method: MethodInitialized}); err != nil {
		return err
	}
	inst.setSession(result)
	return nil
}
