// Package api is the HTTP and WebSocket front door of the gateway.
package api

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s6gate/internal/agent"
	"s6gate/internal/apperr"
	"s6gate/internal/config"
	"s6gate/internal/docker"
	"s6gate/internal/logstream"
	"s6gate/internal/services"
	"s6gate/internal/topics"
)

const (
	defaultLogTail = 100
	maxLogTail     = 10000
)

// Deps are the components the server routes to. All are required except
// Logger.
type Deps struct {
	Config     *config.Config
	Registry   *services.Registry
	Poller     *services.Poller
	Dispatcher *services.Dispatcher
	Agent      *agent.Client
	Logs       *logstream.Multiplexer
	Topics     *topics.Bridge
	Docker     *docker.Adapter
	Events     *Broadcaster
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Config
	registry   *services.Registry
	poller     *services.Poller
	dispatcher *services.Dispatcher
	agent      *agent.Client
	logs       *logstream.Multiplexer
	topics     *topics.Bridge
	docker     *docker.Adapter
	events     *Broadcaster
	logger     *slog.Logger
	version    string
	staticFS   http.FileSystem
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = NewBroadcaster()
	}
	return &Server{
		cfg:        d.Config,
		registry:   d.Registry,
		poller:     d.Poller,
		dispatcher: d.Dispatcher,
		agent:      d.Agent,
		logs:       d.Logs,
		topics:     d.Topics,
		docker:     d.Docker,
		events:     d.Events,
		logger:     d.Logger.With("component", "api"),
		version:    d.Version,
	}
}

// WithStatic serves a dashboard build from fs, falling back to index.html.
func (s *Server) WithStatic(fs http.FileSystem) {
	s.staticFS = fs
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /containers", s.handleContainers)
	mux.HandleFunc("GET /containers/{container}/services", s.handleServices)
	mux.HandleFunc("GET /containers/{container}/services/status", s.handleAllStatuses)
	mux.HandleFunc("GET /containers/{container}/services/{service}/status", s.handleStatus)
	mux.HandleFunc("POST /containers/{container}/services/{service}", s.handleControl)
	mux.HandleFunc("GET /containers/{container}/services/{service}/logs", s.handleLogs)
	mux.HandleFunc("DELETE /containers/{container}/services/{service}/logs", s.handleClearLogs)
	mux.HandleFunc("GET /containers/{container}/services/{service}/run", s.handleRunScript)
	mux.HandleFunc("PUT /containers/{container}/services/{service}/run", s.handleUpdateRunScript)
	mux.HandleFunc("GET /containers/{container}/ros2/topics", s.handleTopics)
	mux.HandleFunc("GET /containers/{container}/ros2/topics/{topic...}", s.handleTopic)

	mux.HandleFunc("GET /docker/containers", s.handleDockerList)
	mux.HandleFunc("GET /docker/containers/{name}", s.handleDockerStatus)
	mux.HandleFunc("POST /docker/containers/{name}", s.handleDockerControl)
	mux.HandleFunc("GET /docker/containers/{name}/logs", s.handleDockerLogs)

	mux.HandleFunc("GET /ws/containers/{container}/services/{service}/logs", s.handleLogStream)
	mux.HandleFunc("GET /ws/containers/{container}/ros2/topics/{topic...}", s.handleTopicStream)
	mux.HandleFunc("GET /ws/docker/events", s.handleDockerEvents)

	if s.staticFS != nil {
		mux.HandleFunc("GET /", s.handleSPA)
	} else {
		mux.HandleFunc("GET /{$}", s.handleRoot)
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			s.writeErr(w, r, apperr.NotFound("no route for %s %s", r.Method, r.URL.Path))
		})
	}

	return s.loggingMiddleware(mux)
}

func (s *Server) handleSPA(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	} else if strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	file, err := s.staticFS.Open(path)
	if err == nil {
		defer file.Close()
		info, statErr := file.Stat()
		if statErr == nil && !info.IsDir() {
			http.ServeContent(w, r, path, info.ModTime(), file)
			return
		}
	}

	index, err := s.staticFS.Open("/index.html")
	if err != nil {
		s.writeErr(w, r, apperr.NotFound("no such file %s", r.URL.Path))
		return
	}
	defer index.Close()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.Copy(w, index)
}

type RootResponse struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Containers []string `json:"containers"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{Name: "s6gate", Version: s.version, Containers: s.cfg.ContainerNames()})
}

type HealthResponse struct {
	Status          string `json:"status"`
	DockerAvailable bool   `json:"docker_available"`
	Containers      int    `json:"containers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		DockerAvailable: s.docker.Available(r.Context()),
		Containers:      len(s.cfg.Containers),
	})
}

type ContainerResponse struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	SocketPath    string                `json:"socket_path"`
	Services      []config.ServiceLabel `json:"services"`
	TopicsEnabled bool                  `json:"topics_enabled"`
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	names := s.cfg.ContainerNames()
	resp := make([]ContainerResponse, 0, len(names))
	for _, name := range names {
		ctr := s.cfg.Containers[name]
		labels := ctr.Services
		if labels == nil {
			labels = []config.ServiceLabel{}
		}
		resp = append(resp, ContainerResponse{
			Name:          name,
			Description:   ctr.Description,
			SocketPath:    ctr.SocketPath,
			Services:      labels,
			TopicsEnabled: s.topics.Enabled(name),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ServicesResponse struct {
	Container string                `json:"container"`
	Services  []services.Descriptor `json:"services"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	container := r.PathValue("container")
	descs, err := s.registry.ListServices(r.Context(), container)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ServicesResponse{Container: container, Services: descs})
}

type StatusesResponse struct {
	Container string            `json:"container"`
	Services  []services.Status `json:"services"`
	Cached    bool              `json:"cached"`
}

func (s *Server) handleAllStatuses(w http.ResponseWriter, r *http.Request) {
	container := r.PathValue("container")
	if r.URL.Query().Get("cached") == "true" {
		if statuses, ok := s.poller.Cached(container); ok {
			writeJSON(w, http.StatusOK, StatusesResponse{Container: container, Services: statuses, Cached: true})
			return
		}
	}
	statuses, err := s.poller.GetAllStatuses(r.Context(), container)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusesResponse{Container: container, Services: statuses})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.poller.GetStatus(r.Context(), r.PathValue("container"), r.PathValue("service"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type ControlRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.dispatcher.ControlService(r.Context(), r.PathValue("container"), r.PathValue("service"), req.Action)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type LogsResponse struct {
	Container string `json:"container"`
	Service   string `json:"service"`
	Logs      string `json:"logs"`
	LogPath   string `json:"log_path"`
	Cursor    *int64 `json:"cursor"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	container, service := r.PathValue("container"), r.PathValue("service")
	tail, err := queryInt(r, "tail", defaultLogTail, 1, maxLogTail)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	chunk, err := s.agent.Logs(r.Context(), container, service, agent.LogQuery{Tail: tail})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		Container: container,
		Service:   service,
		Logs:      chunk.Logs,
		LogPath:   chunk.LogPath,
		Cursor:    chunk.Cursor,
	})
}

type ClearLogsResponse struct {
	Container string `json:"container"`
	Service   string `json:"service"`
	Message   string `json:"message"`
	LogPath   string `json:"log_path"`
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	container, service := r.PathValue("container"), r.PathValue("service")
	res, err := s.agent.ClearLogs(r.Context(), container, service)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("log cleared", "container", container, "service", service, "peer", clientIP(r))
	writeJSON(w, http.StatusOK, ClearLogsResponse{Container: container, Service: service, Message: res.Message, LogPath: res.LogPath})
}

type RunScriptResponse struct {
	Container string `json:"container"`
	Service   string `json:"service"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type RunScriptRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	container, service := r.PathValue("container"), r.PathValue("service")
	script, err := s.agent.RunScript(r.Context(), container, service)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunScriptResponse{Container: container, Service: service, Path: script.Path, Content: script.Content})
}

func (s *Server) handleUpdateRunScript(w http.ResponseWriter, r *http.Request) {
	container, service := r.PathValue("container"), r.PathValue("service")
	var req RunScriptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeErr(w, r, apperr.Validation("run script content must not be empty"))
		return
	}
	script, err := s.agent.UpdateRunScript(r.Context(), container, service, req.Content)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("run script updated", "container", container, "service", service, "peer", clientIP(r))
	writeJSON(w, http.StatusOK, RunScriptResponse{Container: container, Service: service, Path: script.Path, Content: script.Content})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	listing, err := s.topics.List(r.PathValue("container"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	snap, err := s.topics.Snapshot(r.PathValue("container"), r.PathValue("topic"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// queryInt reads an integer query parameter bounded to [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	if n < lo || n > hi {
		return 0, apperr.Validation("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start), "peer", clientIP(r))
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return ip
	}
	return r.RemoteAddr
}
