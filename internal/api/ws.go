package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"s6gate/internal/apperr"
	"s6gate/internal/docker"
	"s6gate/internal/logstream"
)

// Application close codes for log streams.
const (
	StatusServiceStopped websocket.StatusCode = 4001
	StatusTooSlow        websocket.StatusCode = 4008
)

const writeTimeout = 2 * time.Second

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broadcaster fans a payload out to every registered connection. A
// connection that fails a write, slow ones included, is dropped.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[*websocket.Conn]struct{})}
}

func (b *Broadcaster) Add(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
}

func (b *Broadcaster) Remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			b.Remove(conn)
			conn.CloseNow()
		}
	}
}

// BroadcastDockerEvent sends an engine event to every /ws/docker/events
// client.
func (s *Server) BroadcastDockerEvent(ctx context.Context, ev docker.Event) {
	payload, err := json.Marshal(Frame{Type: "docker_event", Data: ev})
	if err != nil {
		return
	}
	s.events.Broadcast(ctx, payload)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	key := logstream.Key{Container: r.PathValue("container"), Service: r.PathValue("service")}
	backfill, err := queryInt(r, "backfill", 0, 0, maxLogTail)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !s.registry.Known(key.Container) {
		s.writeErr(w, r, apperr.NotFound("container %q is not configured", key.Container))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	peer := clientIP(r)
	s.logger.Info("ws connect", "peer", peer, "stream", "logs", "key", key.String())
	defer s.logger.Info("ws disconnect", "peer", peer, "stream", "logs", "key", key.String())
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	sub, err := s.logs.Subscribe(ctx, key, backfill)
	if err != nil {
		_ = writeFrame(ctx, conn, Frame{Type: string(logstream.EventError), Data: apperr.Detail(err)})
		conn.Close(websocket.StatusInternalError, "log source failed")
		return
	}
	defer s.logs.Unsubscribe(sub)

	for ev := range sub.Events() {
		if err := writeFrame(ctx, conn, Frame{Type: string(ev.Type), Data: ev.Data}); err != nil {
			return
		}
	}
	code, reason := logCloseStatus(sub.Err())
	conn.Close(code, reason)
}

// logCloseStatus picks the close code for a finished subscription.
func logCloseStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, logstream.ErrServiceStopped):
		return StatusServiceStopped, "service stopped"
	case errors.Is(err, logstream.ErrOverflow):
		return StatusTooSlow, "subscriber too slow"
	case errors.Is(err, logstream.ErrClosed):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, "log source failed"
	}
}

func (s *Server) handleTopicStream(w http.ResponseWriter, r *http.Request) {
	container, topic := r.PathValue("container"), r.PathValue("topic")
	if _, err := s.topics.Snapshot(container, topic); err != nil {
		s.writeErr(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	peer := clientIP(r)
	s.logger.Info("ws connect", "peer", peer, "stream", "topic", "container", container, "topic", topic)
	defer s.logger.Info("ws disconnect", "peer", peer, "stream", "topic", "container", container, "topic", topic)
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	snaps, err := s.topics.Watch(ctx, container, topic)
	if err != nil {
		_ = writeFrame(ctx, conn, Frame{Type: "error", Data: apperr.Detail(err)})
		conn.Close(websocket.StatusInternalError, "topic unavailable")
		return
	}
	for snap := range snaps {
		if err := writeFrame(ctx, conn, Frame{Type: "data", Data: snap}); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleDockerEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	peer := clientIP(r)
	s.logger.Info("ws connect", "peer", peer, "stream", "docker_events")
	defer func() {
		s.logger.Info("ws disconnect", "peer", peer, "stream", "docker_events")
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	ctx := r.Context()
	if !s.docker.Available(ctx) {
		_ = writeFrame(ctx, conn, Frame{Type: "error", Data: apperr.ErrEngineUnavailable.Error()})
	}

	s.events.Add(conn)
	defer s.events.Remove(conn)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
