// Package agent talks to the per-container supervisor agents over their
// Unix sockets.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"s6gate/internal/apperr"
)

const maxResponseBytes = 16 << 20

type Options struct {
	RequestTimeout time.Duration
	LogTimeout     time.Duration
	Logger         *slog.Logger
}

// Pool holds one reusable HTTP client per configured container. Clients
// are safe for concurrent use; the pool keeps no per-request state.
type Pool struct {
	conns      map[string]*conn
	timeout    time.Duration
	logTimeout time.Duration
	logger     *slog.Logger
}

type conn struct {
	socketPath string
	transport  *http.Transport
	client     *http.Client
}

// NewPool builds a pool from container name to agent socket path.
func NewPool(sockets map[string]string, opts Options) *Pool {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.LogTimeout <= 0 {
		opts.LogTimeout = 2 * opts.RequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{
		conns:      make(map[string]*conn, len(sockets)),
		timeout:    opts.RequestTimeout,
		logTimeout: opts.LogTimeout,
		logger:     opts.Logger.With("component", "agent_pool"),
	}
	for name, path := range sockets {
		p.conns[name] = newConn(path)
	}
	return p
}

func newConn(socketPath string) *conn {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &conn{
		socketPath: socketPath,
		transport:  transport,
		client:     &http.Client{Transport: transport},
	}
}

// Has reports whether container is configured.
func (p *Pool) Has(container string) bool {
	_, ok := p.conns[container]
	return ok
}

func (p *Pool) Containers() []string {
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) SocketPath(container string) string {
	if c, ok := p.conns[container]; ok {
		return c.socketPath
	}
	return ""
}

// Request performs one call against the container's agent and returns the
// raw status code and body. Transport failures, including timeouts, come
// back as apperr.ErrAgentUnreachable. A zero timeout uses the pool default.
func (p *Pool) Request(ctx context.Context, container, method, path string, body any, timeout time.Duration) (int, []byte, error) {
	c, ok := p.conns[container]
	if !ok {
		return 0, nil, apperr.NotFound("container %q is not configured", container)
	}
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode agent request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://agent"+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build agent request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		p.logger.Debug("agent request failed", "container", container, "method", method, "path", path, "error", err)
		return 0, nil, apperr.AgentUnreachable(container, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, apperr.AgentUnreachable(container, err)
	}
	p.logger.Debug("agent request", "container", container, "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return resp.StatusCode, data, nil
}

// Close drops idle connections to every agent.
func (p *Pool) Close() {
	for _, c := range p.conns {
		c.transport.CloseIdleConnections()
	}
}
