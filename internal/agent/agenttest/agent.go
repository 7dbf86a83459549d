// Package agenttest provides an in-memory supervisor agent that speaks the
// agent wire contract over a Unix socket. Tests use it as a fake backend and
// cmd/fake-agent serves it for local development.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type service struct {
	raw      string
	logs     string
	run      string
	started  time.Time
	pid      int
	failWith int
}

// Agent is a fake agent. The zero value is not usable; call New.
type Agent struct {
	mu       sync.Mutex
	order    []string
	services map[string]*service
	controls []ControlCall
	delay    time.Duration
	nextPID  int

	hits atomic.Int64
}

type ControlCall struct {
	Service string
	Action  string
}

// New returns an agent reporting the given services, all up.
func New(services ...string) *Agent {
	a := &Agent{services: make(map[string]*service), nextPID: 100}
	for _, name := range services {
		a.Add(name)
	}
	return a
}

// Add registers a service in the up state.
func (a *Agent) Add(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.services[name]; ok {
		return
	}
	a.order = append(a.order, name)
	svc := &service{run: "#!/command/with-contenv bash\nexec " + name + "\n"}
	a.start(svc)
	a.services[name] = svc
}

func (a *Agent) start(svc *service) {
	a.nextPID++
	svc.pid = a.nextPID
	svc.started = time.Now()
	svc.raw = ""
}

// SetStatus pins the raw status text reported for a service.
func (a *Agent) SetStatus(name, raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[name]; ok {
		svc.raw = raw
	}
}

// FailStatus makes status calls for a service answer with the given HTTP code.
func (a *Agent) FailStatus(name string, code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[name]; ok {
		svc.failWith = code
	}
}

// AppendLog appends text to a service log.
func (a *Agent) AppendLog(name, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[name]; ok {
		svc.logs += text
	}
}

// SetDelay delays every response, for timeout tests.
func (a *Agent) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Hits returns the number of requests served.
func (a *Agent) Hits() int64 {
	return a.hits.Load()
}

func (a *Agent) Controls() []ControlCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ControlCall(nil), a.controls...)
}

func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", a.handleList)
	mux.HandleFunc("GET /services/{name}/status", a.handleStatus)
	mux.HandleFunc("POST /services/{name}", a.handleControl)
	mux.HandleFunc("GET /services/{name}/logs", a.handleLogs)
	mux.HandleFunc("DELETE /services/{name}/logs", a.handleClearLogs)
	mux.HandleFunc("GET /services/{name}/run", a.handleRun)
	mux.HandleFunc("PUT /services/{name}/run", a.handleUpdateRun)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.hits.Add(1)
		a.mu.Lock()
		delay := a.delay
		a.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves the agent on a fresh Unix socket and returns its path.
func (a *Agent) Start(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "s6agent")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	path := filepath.Join(dir, "agent.sock")
	srv, err := a.Listen(path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
		_ = os.RemoveAll(dir)
	})
	return path
}

// Listen serves the agent on socketPath until the returned server is closed.
func (a *Agent) Listen(socketPath string) (*http.Server, error) {
	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(l)
	}()
	return srv, nil
}

// ListenAndServe blocks serving socketPath until ctx is done.
func (a *Agent) ListenAndServe(ctx context.Context, socketPath string) error {
	srv, err := a.Listen(socketPath)
	if err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	_ = os.Remove(socketPath)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) lookup(w http.ResponseWriter, r *http.Request) (string, *service, bool) {
	name := r.PathValue("name")
	svc, ok := a.services[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "detail": "service not found: " + name})
		return name, nil, false
	}
	return name, svc, true
}

func (a *Agent) handleList(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	names := append([]string(nil), a.order...)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"services": names})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if svc.failWith != 0 {
		writeJSON(w, svc.failWith, map[string]string{"error": "status failed", "detail": name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "raw": a.rawStatus(svc)})
}

func (a *Agent) rawStatus(svc *service) string {
	if svc.raw != "" {
		return svc.raw
	}
	secs := int(time.Since(svc.started).Seconds())
	if svc.pid == 0 {
		return fmt.Sprintf("down %d seconds", secs)
	}
	return fmt.Sprintf("up (pid %d) %d seconds", svc.pid, secs)
}

func (a *Agent) handleControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	a.controls = append(a.controls, ControlCall{Service: name, Action: body.Action})
	switch body.Action {
	case "up", "restart":
		a.start(svc)
	case "down":
		svc.pid = 0
		svc.started = time.Now()
		svc.raw = ""
		if companion, ok := a.services[name+"-log"]; ok {
			companion.pid = 0
			companion.started = time.Now()
			companion.raw = ""
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid action", "detail": body.Action})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// handleLogs answers either the last tail lines or the bytes after cursor.
// The cursor is clamped into [0, size].
func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	size := int64(len(svc.logs))
	logPath := "/var/log/" + name + "/current"
	q := r.URL.Query()
	if raw := q.Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
			return
		}
		cursor = max(0, min(cursor, size))
		writeJSON(w, http.StatusOK, map[string]any{"logs": svc.logs[cursor:], "cursor": size, "log_path": logPath})
		return
	}
	tail := 100
	if raw := q.Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tail"})
			return
		}
		tail = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lastLines(svc.logs, tail), "cursor": size, "log_path": logPath})
}

func (a *Agent) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	svc.logs = ""
	logPath := "/var/log/" + name + "/current"
	writeJSON(w, http.StatusOK, map[string]string{"message": "cleared " + logPath, "log_path": logPath})
}

func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": "/etc/s6-overlay/s6-rc.d/" + name + "/run", "content": svc.run})
}

func (a *Agent) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	name, svc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	svc.run = body.Content
	writeJSON(w, http.StatusOK, map[string]string{"path": "/etc/s6-overlay/s6-rc.d/" + name + "/run", "content": svc.run})
}

func lastLines(text string, n int) string {
	if n == 0 || text == "" {
		return ""
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
