// Package client follows gateway log streams from the command line.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"s6gate/internal/logstream"
)

// Close code the gateway uses when the followed service stops.
const statusServiceStopped websocket.StatusCode = 4001

const DefaultRetryDelay = 3 * time.Second

// ErrServiceStopped is returned when the gateway ends the stream because the
// service went down.
var ErrServiceStopped = errors.New("service stopped")

type Follower struct {
	// BaseURL is the gateway address, http://host:port.
	BaseURL    string
	Backfill   int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Follow streams log events of container/service to handle until the
// gateway closes normally, the service stops or ctx is done. Abnormal
// disconnects reconnect after RetryDelay. Backfill is only requested on the
// first connection.
func (f *Follower) Follow(ctx context.Context, container, service string, handle func(logstream.Event)) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "log_follower", "container", container, "service", service)
	delay := f.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	backfill := f.Backfill
	for {
		target, err := f.streamURL(container, service, backfill)
		if err != nil {
			return err
		}
		err = f.once(ctx, target, handle)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			return nil
		case errors.Is(err, ErrServiceStopped):
			return err
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		logger.Warn("log stream lost, reconnecting", "error", err, "delay", delay)
		backfill = 0
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (f *Follower) once(ctx context.Context, target string, handle func(logstream.Event)) error {
	conn, resp, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return &permanentError{fmt.Errorf("gateway refused stream: %s", resp.Status)}
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.CloseNow()

	for {
		var ev logstream.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err == nil {
			handle(ev)
			continue
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure:
			return nil
		case statusServiceStopped:
			return ErrServiceStopped
		}
		return err
	}
}

func (f *Follower) streamURL(container, service string, backfill int) (string, error) {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/containers/" + container + "/services/" + service + "/logs"
	q := url.Values{}
	if backfill > 0 {
		q.Set("backfill", strconv.Itoa(backfill))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
