package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/pkg/schema"
)

// apiClient talks to the HTTP API of a running server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) send(ctx context.Context, id, name string, data json.RawMessage) (bus.Receipt, error) {
	var receipt bus.Receipt
	body := map[string]any{"name": name, "data": data}
	if id != "" {
		body["id"] = id
	}
	err := c.do(ctx, http.MethodPost, "/api/events", body, &receipt)
	return receipt, err
}

func (c *apiClient) invocation(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/invocations/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) log(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/invocations/"+url.PathEscape(id)+"/log", nil, &out)
	return out, err
}

func (c *apiClient) diagram(ctx context.Context, id, format string) (string, error) {
	path := "/api/invocations/" + url.PathEscape(id) + "/diagram?format=" + url.QueryEscape(format)
	data, err := c.request(ctx, http.MethodGet, path, nil)
	return string(data), err
}

// do sends a JSON request and decodes the response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	data, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// request returns the body of a successful response. API error bodies come
// back as *schema.FlowError.
func (c *apiClient) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

func apiError(status int, data []byte) error {
	var body struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	code := body.Code
	if code == "" {
		code = schema.ErrCodeExecution
		if status == http.StatusNotFound {
			code = schema.ErrCodeNotFound
		}
	}
	fe := schema.NewError(code, body.Error)
	if len(body.Details) > 0 {
		fe = fe.WithDetails(body.Details)
	}
	return fe
}
