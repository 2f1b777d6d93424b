package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/server"
	"github.com/lexcodex/stdiohub/supervisor"
)

// Client talks to a running stdiohub API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a client for the API at base, e.g. http://localhost:8088.
func NewClient(base string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Servers lists every configured worker.
func (c *Client) Servers(ctx context.Context) ([]supervisor.ServerSummary, error) {
	var resp struct {
		Servers []supervisor.ServerSummary `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Messages returns the newest limit log entries of a worker.
func (c *Client) Messages(ctx context.Context, name string, limit int) ([]rpc.LogEntry, error) {
	path := "/api/servers/" + url.PathEscape(name) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []rpc.LogEntry `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Start starts a worker.
func (c *Client) Start(ctx context.Context, name string) (server.StatusResponse, error) {
	var resp server.StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(name)+"/start", nil, &resp)
	return resp, err
}

// Stop stops a worker.
func (c *Client) Stop(ctx context.Context, name string) (server.StatusResponse, error) {
	var resp server.StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(name)+"/stop", nil, &resp)
	return resp, err
}

// Request sends a call through the API and returns the worker's reply.
func (c *Client) Request(ctx context.Context, name, method string, params json.RawMessage) (*rpc.Message, error) {
	var msg rpc.Message
	body := server.RequestBody{Method: method, Params: params}
	if err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(name)+"/request", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	server.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Kind, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.ErrorResponse.Error)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
