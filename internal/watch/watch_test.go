package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/server"
	"github.com/lexcodex/stdiohub/supervisor"
)

type fakeAPI struct {
	servers []supervisor.ServerSummary
	started []string
}

func (f *fakeAPI) Servers(ctx context.Context) ([]supervisor.ServerSummary, error) {
	return f.servers, nil
}

func (f *fakeAPI) Messages(ctx context.Context, name string, limit int) ([]rpc.LogEntry, error) {
	msg, err := rpc.ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		return nil, err
	}
	return []rpc.LogEntry{{Timestamp: time.Now(), Direction: rpc.DirectionRequest, Message: *msg, Type: msg.Type()}}, nil
}

func (f *fakeAPI) Start(ctx context.Context, name string) (server.StatusResponse, error) {
	f.started = append(f.started, name)
	return server.StatusResponse{Server: name, Status: supervisor.StatusReady}, nil
}

func (f *fakeAPI) Stop(ctx context.Context, name string) (server.StatusResponse, error) {
	return server.StatusResponse{Server: name, Status: supervisor.StatusStopped}, nil
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func TestModelSelectsAndShowsMessages(t *testing.T) {
	api := &fakeAPI{servers: []supervisor.ServerSummary{
		{Name: "calculator", Status: supervisor.StatusReady, PID: 42, ServerName: "calc", ServerVersion: "1.0"},
		{Name: "notes", Status: supervisor.StatusStopped},
	}}
	m := New(api, time.Second)

	m, _ = update(t, m, m.fetchServers()())
	require.Equal(t, "calculator", m.selected)
	require.Len(t, m.table.Rows(), 2)
	require.Equal(t, "42", m.table.Rows()[0][2])

	m, _ = update(t, m, m.fetchMessages("calculator")())
	require.Contains(t, m.messages.View(), "tools/list")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	require.Equal(t, "notes", m.selected)
	require.NotNil(t, cmd)

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	require.True(t, m.busy)
	m, _ = update(t, m, cmd())
	require.False(t, m.busy)
	require.Equal(t, []string{"notes"}, api.started)
	require.Contains(t, m.View(), "notes is ready")
}

func TestModelQuits(t *testing.T) {
	m := New(&fakeAPI{}, 0)
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestClientRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"servers": []supervisor.ServerSummary{{Name: "calc", Status: supervisor.StatusStopped}}})
	})
	mux.HandleFunc("POST /api/servers/{name}/request", func(w http.ResponseWriter, r *http.Request) {
		var body server.RequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Method == "missing" {
			w.WriteHeader(http.StatusGatewayTimeout)
			_ = json.NewEncoder(w).Encode(server.ErrorResponse{Error: "request timed out", Kind: "timeout"})
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":7,"result":{"method":"` + body.Method + `"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	servers, err := client.Servers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "calc", servers[0].Name)

	msg, err := client.Request(context.Background(), "calc", "tools/list", nil)
	require.NoError(t, err)
	require.Equal(t, rpc.TypeResponse, msg.Type())
	require.True(t, strings.Contains(string(*msg.Result), "tools/list"))

	_, err = client.Request(context.Background(), "calc", "missing", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	require.Equal(t, "timeout", apiErr.Kind)
}
