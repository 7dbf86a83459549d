package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"s6gate/internal/apperr"
)

// LogQuery selects either the last Tail lines or everything after Cursor.
type LogQuery struct {
	Tail   int
	Cursor *int64
}

type LogChunk struct {
	Logs    string `json:"logs"`
	Cursor  *int64 `json:"cursor"`
	LogPath string `json:"log_path"`
}

type ClearResult struct {
	Message string `json:"message"`
	LogPath string `json:"log_path"`
}

type RunScript struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Client exposes the agent wire contract on top of a Pool.
type Client struct {
	pool *Pool
}

func NewClient(pool *Pool) *Client {
	return &Client{pool: pool}
}

func (c *Client) Pool() *Pool {
	return c.pool
}

func (c *Client) ListServices(ctx context.Context, container string) ([]string, error) {
	var resp struct {
		Services []string `json:"services"`
	}
	if err := c.call(ctx, container, http.MethodGet, "/services", nil, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// Status returns the raw supervisor status text for a service. Agents may
// answer with plain text, a JSON string or an object carrying "raw".
func (c *Client) Status(ctx context.Context, container, service string) (string, error) {
	status, data, err := c.pool.Request(ctx, container, http.MethodGet, servicePath(service, "status"), nil, 0)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest {
		return "", apperr.Upstream(status, upstreamMessage(status, data))
	}
	trimmed := bytes.TrimSpace(data)
	var obj struct {
		Raw *string `json:"raw"`
	}
	if json.Unmarshal(trimmed, &obj) == nil && obj.Raw != nil {
		return strings.TrimSpace(*obj.Raw), nil
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil {
		return strings.TrimSpace(s), nil
	}
	return string(trimmed), nil
}

// Control sends action and returns the agent's acknowledgement untouched.
// A plain text reply is re-encoded as a JSON string.
func (c *Client) Control(ctx context.Context, container, service, action string) (json.RawMessage, error) {
	body := map[string]string{"action": action}
	status, data, err := c.pool.Request(ctx, container, http.MethodPost, servicePath(service, ""), body, 0)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, apperr.Upstream(status, upstreamMessage(status, data))
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if json.Unmarshal(data, &resp) == nil && len(resp.Result) > 0 {
		return resp.Result, nil
	}
	text, _ := json.Marshal(strings.TrimSpace(string(data)))
	return text, nil
}

func (c *Client) Logs(ctx context.Context, container, service string, q LogQuery) (LogChunk, error) {
	params := url.Values{}
	if q.Cursor != nil {
		params.Set("cursor", strconv.FormatInt(*q.Cursor, 10))
	} else {
		params.Set("tail", strconv.Itoa(q.Tail))
	}
	var chunk LogChunk
	path := servicePath(service, "logs") + "?" + params.Encode()
	err := c.call(ctx, container, http.MethodGet, path, nil, c.pool.logTimeout, &chunk)
	return chunk, err
}

func (c *Client) ClearLogs(ctx context.Context, container, service string) (ClearResult, error) {
	var res ClearResult
	err := c.call(ctx, container, http.MethodDelete, servicePath(service, "logs"), nil, 0, &res)
	return res, err
}

func (c *Client) RunScript(ctx context.Context, container, service string) (RunScript, error) {
	var res RunScript
	err := c.call(ctx, container, http.MethodGet, servicePath(service, "run"), nil, 0, &res)
	return res, err
}

func (c *Client) UpdateRunScript(ctx context.Context, container, service, content string) (RunScript, error) {
	var res RunScript
	body := map[string]string{"content": content}
	err := c.call(ctx, container, http.MethodPut, servicePath(service, "run"), body, 0, &res)
	return res, err
}

func (c *Client) call(ctx context.Context, container, method, path string, body any, timeout time.Duration, out any) error {
	status, data, err := c.pool.Request(ctx, container, method, path, body, timeout)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return apperr.Upstream(status, upstreamMessage(status, data))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Upstream(http.StatusBadGateway, fmt.Sprintf("invalid agent response for %s %s: %v", method, path, err))
	}
	return nil
}

func servicePath(service, suffix string) string {
	p := "/services/" + url.PathEscape(service)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// upstreamMessage extracts a readable message from an agent error body.
func upstreamMessage(status int, data []byte) string {
	var body struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		var detail string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &detail) != nil {
			detail = string(body.Detail)
		}
		switch {
		case body.Error != "" && detail != "":
			return body.Error + ": " + detail
		case body.Error != "":
			return body.Error
		case detail != "":
			return detail
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return fmt.Sprintf("agent returned %d %s", status, http.StatusText(status))
}
