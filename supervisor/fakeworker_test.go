package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"
)

const fakeWorkerEnv = "STDIOHUB_FAKE_WORKER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeWorkerEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

type fakeRequest struct {
	ID     *json.RawMessage `json:"id"`
	Method string           `json:"method"`
	Params json.RawMessage  `json:"params"`
}

// runFakeWorker is the body of the worker process used by the tests. Modes:
// "ok" behaves, "init-error" rejects initialize, "init-silent" never answers
// it, "ignore-term" also ignores SIGTERM. Methods drive per-call behavior.
func runFakeWorker(mode string) int {
	if mode == "ignore-term" {
		signal.Ignore(syscall.SIGTERM)
	}
	var mu sync.Mutex
	send := func(v any) {
		data, _ := json.Marshal(v)
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(os.Stdout, "%s\n", data)
	}
	reply := func(id *json.RawMessage, result any) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	replyErr := func(id *json.RawMessage, code int, message string) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
	}

	initialized := false
	var held []*json.RawMessage
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 1024*1024)
	for in.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad input: %v\n", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "handling %s\n", req.Method)
		switch req.Method {
		case MethodInitialize:
			if mode == "init-error" {
				replyErr(req.ID, -32603, "initialization refused")
				continue
			}
			if mode == "init-silent" {
				continue
			}
			reply(req.ID, map[string]any{
				"protocolVersion": DefaultProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
				"serverInfo":      map[string]any{"name": "fake-worker", "version": "1.2.3"},
			})
		case MethodInitialized:
			initialized = true
		case "echo":
			reply(req.ID, map[string]any{"params": req.Params, "initialized": initialized})
		case "fail":
			replyErr(req.ID, -32000, "tool failed")
		case "silent":
		case "crash":
			return 3
		case "noise":
			mu.Lock()
			fmt.Fprint(os.Stdout, "this is not json\n")
			fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%s,`, string(*req.ID))
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			fmt.Fprint(os.Stdout, "\"result\":{\"ok\":true}}\n{\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\",\"params\":{\"level\":\"info\"}}\n")
			mu.Unlock()
		case "hold":
			held = append(held, req.ID)
			if len(held) == 3 {
				for i := len(held) - 1; i >= 0; i-- {
					reply(held[i], map[string]any{"order": len(held) - i})
				}
				held = nil
			}
		default:
			replyErr(req.ID, -32601, "method not found")
		}
	}
	return 0
}
