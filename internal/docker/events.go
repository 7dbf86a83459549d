package docker

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/client"
)

// Event is a container lifecycle event from the engine.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Action   string    `json:"action"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Time     time.Time `json:"time"`
}

// Watch streams container events to handler until ctx is done. A dropped or
// unavailable engine is retried with exponential backoff capped at maxWait.
func (a *Adapter) Watch(ctx context.Context, maxWait time.Duration, handler func(Event)) error {
	if a.disabled {
		<-ctx.Done()
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = maxWait
	policy.MaxElapsedTime = 0
	for {
		err := a.watchOnce(ctx, policy, handler)
		if ctx.Err() != nil {
			return nil
		}
		wait := policy.NextBackOff()
		a.logger.Warn("engine event stream ended", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) watchOnce(ctx context.Context, policy backoff.BackOff, handler func(Event)) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	pingCtx, cancelPing := a.bounded(ctx, 0)
	_, err = cli.Ping(pingCtx, client.PingOptions{})
	cancelPing()
	if err != nil {
		return classify(err, "")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := cli.Events(ctx, client.EventsListOptions{
		Filters: make(client.Filters).Add("type", string(events.ContainerEventType)),
	})
	connected := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-stream.Err:
			return classify(err, "")
		case msg := <-stream.Messages:
			if !connected {
				connected = true
				policy.Reset()
			}
			if ev, ok := messageToEvent(msg); ok {
				handler(ev)
			}
		}
	}
}

func messageToEvent(msg events.Message) (Event, bool) {
	if msg.Type != events.ContainerEventType || isExecEvent(msg) {
		return Event{}, false
	}
	ev := Event{
		ID:     msg.Actor.ID,
		Name:   normalizeName(msg.Actor.Attributes["name"]),
		Action: string(msg.Action),
	}
	switch {
	case msg.TimeNano > 0:
		ev.Time = time.Unix(0, msg.TimeNano).UTC()
	case msg.Time > 0:
		ev.Time = time.Unix(msg.Time, 0).UTC()
	default:
		ev.Time = time.Now().UTC()
	}
	if ev.Action == "die" || ev.Action == "stop" {
		ev.ExitCode = parseExitCode(msg.Actor.Attributes["exitCode"])
	}
	return ev, true
}

// isExecEvent drops exec_* noise from health checks and docker exec.
func isExecEvent(msg events.Message) bool {
	return strings.HasPrefix(string(msg.Action), "exec_")
}

func parseExitCode(val string) *int {
	trimmed := strings.TrimSpace(val)
	if trimmed == "" {
		return nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil
	}
	return &parsed
}
