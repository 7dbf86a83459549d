package docker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/events"
)

type mockContainer struct {
	summary string
	inspect string
	// logs are stdout/stderr frames: stream 1 or 2 and payload.
	logs []logFrame
	tty  bool
}

type logFrame struct {
	stream byte
	data   string
}

type controlCall struct {
	id      string
	action  string
	timeout string
}

type mockEngine struct {
	t          *testing.T
	mu         sync.Mutex
	containers map[string]mockContainer
	events     []events.Message
	controls   []controlCall
	eventConns int
	// stalled paths never answer; the handler returns when the client gives up.
	stalled    map[string]bool
	httpServer *http.Server
	listener   net.Listener
}

func newMockEngine(t *testing.T) *mockEngine {
	t.Helper()
	return &mockEngine{t: t, containers: make(map[string]mockContainer)}
}

func (m *mockEngine) add(name string, c mockContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[name] = c
}

func (m *mockEngine) stall(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stalled == nil {
		m.stalled = make(map[string]bool)
	}
	m.stalled[path] = true
}

func (m *mockEngine) calls() []controlCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]controlCall(nil), m.controls...)
}

func (m *mockEngine) eventConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventConns
}

// Start serves the engine API on loopback and returns the docker host.
func (m *mockEngine) Start() string {
	m.t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		m.t.Fatalf("listen: %v", err)
	}
	m.listener = listener
	m.httpServer = &http.Server{Handler: http.HandlerFunc(m.handle)}
	go func() {
		_ = m.httpServer.Serve(listener)
	}()
	m.t.Cleanup(m.Close)
	return "tcp://" + listener.Addr().String()
}

func (m *mockEngine) Close() {
	if m.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = m.httpServer.Shutdown(ctx)
		cancel()
		_ = m.httpServer.Close()
	}
}

func (m *mockEngine) handle(w http.ResponseWriter, r *http.Request) {
	path := stripDockerVersionPrefix(r.URL.Path)
	m.mu.Lock()
	stalled := m.stalled[path]
	m.mu.Unlock()
	if stalled {
		<-r.Context().Done()
		return
	}
	switch {
	case path == "/_ping":
		w.Header().Set("Api-Version", "1.44")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case path == "/version":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ApiVersion":"1.44","MinAPIVersion":"1.12","Version":"29.2.1"}`))
	case path == "/containers/json":
		m.mu.Lock()
		items := make([]json.RawMessage, 0, len(m.containers))
		for _, c := range m.containers {
			items = append(items, json.RawMessage(c.summary))
		}
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	case path == "/events":
		m.streamEvents(w, r)
	case strings.HasPrefix(path, "/containers/"):
		rest := strings.TrimPrefix(path, "/containers/")
		id, op, _ := strings.Cut(rest, "/")
		m.mu.Lock()
		c, ok := m.containers[id]
		m.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"No such container: ` + id + `"}`))
			return
		}
		switch op {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(c.inspect))
		case "logs":
			m.writeLogs(w, c)
		case "start", "stop", "restart":
			m.mu.Lock()
			m.controls = append(m.controls, controlCall{id: id, action: op, timeout: r.URL.Query().Get("t")})
			m.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (m *mockEngine) writeLogs(w http.ResponseWriter, c mockContainer) {
	if c.tty {
		w.Header().Set("Content-Type", "application/vnd.docker.raw-stream")
		for _, f := range c.logs {
			_, _ = w.Write([]byte(f.data))
		}
		return
	}
	w.Header().Set("Content-Type", "application/vnd.docker.multiplexed-stream")
	for _, f := range c.logs {
		header := make([]byte, 8)
		header[0] = f.stream
		binary.BigEndian.PutUint32(header[4:], uint32(len(f.data)))
		_, _ = w.Write(header)
		_, _ = w.Write([]byte(f.data))
	}
}

func (m *mockEngine) streamEvents(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.eventConns++
	msgs := append([]events.Message(nil), m.events...)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	<-r.Context().Done()
}

var dockerVersionPrefix = regexp.MustCompile(`^/v[0-9]+\.[0-9]+`)

func stripDockerVersionPrefix(path string) string {
	loc := dockerVersionPrefix.FindStringIndex(path)
	if loc == nil || loc[0] != 0 {
		return path
	}
	stripped := path[loc[1]:]
	if stripped == "" {
		return "/"
	}
	return stripped
}

// closedHost returns a docker host nothing listens on.
func closedHost(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return "tcp://" + addr
}
