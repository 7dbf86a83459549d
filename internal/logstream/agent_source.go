package logstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"s6gate/internal/agent"
	"s6gate/internal/apperr"
	"s6gate/internal/services"
)

type LogReader interface {
	Logs(ctx context.Context, container, service string, q agent.LogQuery) (agent.LogChunk, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, container, service string) (services.Status, error)
}

// AgentSource tails a service log through the agent's cursor endpoint.
type AgentSource struct {
	logs           LogReader
	status         StatusReader
	pollInterval   time.Duration
	statusInterval time.Duration
	retries        int
	logger         *slog.Logger
}

type AgentSourceOptions struct {
	// Status enables stop detection when set.
	Status         StatusReader
	PollInterval   time.Duration
	StatusInterval time.Duration
	Retries        int
	Logger         *slog.Logger
}

func NewAgentSource(logs LogReader, opts AgentSourceOptions) *AgentSource {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AgentSource{
		logs:           logs,
		status:         opts.Status,
		pollInterval:   opts.PollInterval,
		statusInterval: opts.StatusInterval,
		retries:        max(opts.Retries, 0),
		logger:         opts.Logger.With("component", "log_source"),
	}
}

func (s *AgentSource) Open(ctx context.Context, key Key, historyLines int) (Tail, string, error) {
	chunk, err := s.logs.Logs(ctx, key.Container, key.Service, agent.LogQuery{Tail: historyLines})
	if err != nil {
		return nil, "", err
	}
	if chunk.Cursor == nil {
		return nil, "", apperr.Stream("agent log reply has no cursor", nil)
	}
	return &agentTail{
		src:    s,
		key:    key,
		cursor: *chunk.Cursor,
		ticker: time.NewTicker(s.pollInterval),
	}, chunk.Logs, nil
}

type agentTail struct {
	src         *AgentSource
	key         Key
	cursor      int64
	ticker      *time.Ticker
	lastChecked time.Time
}

func (t *agentTail) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.ticker.C:
		}
		if err := t.checkStopped(ctx); err != nil {
			return "", err
		}
		chunk, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", apperr.Stream("log source failed", err)
		}
		if chunk != "" {
			return chunk, nil
		}
	}
}

func (t *agentTail) poll(ctx context.Context) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.src.retries)), ctx)

	cursor := t.cursor
	chunk, err := backoff.RetryWithData(func() (agent.LogChunk, error) {
		chunk, err := t.src.logs.Logs(ctx, t.key.Container, t.key.Service, agent.LogQuery{Cursor: &cursor})
		if err != nil && isPermanent(err) {
			return chunk, backoff.Permanent(err)
		}
		return chunk, err
	}, b)
	if err != nil {
		return "", err
	}
	if chunk.Cursor != nil {
		t.cursor = *chunk.Cursor
	} else {
		t.cursor += int64(len(chunk.Logs))
	}
	return chunk.Logs, nil
}

// isPermanent reports agent answers that retrying cannot fix.
func isPermanent(err error) bool {
	status := apperr.UpstreamStatus(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

// checkStopped ends the tail once the service and its log companion are
// both down. A service without a companion never counts as stopped.
func (t *agentTail) checkStopped(ctx context.Context) error {
	if t.src.status == nil || time.Since(t.lastChecked) < t.src.statusInterval {
		return nil
	}
	t.lastChecked = time.Now()
	st, err := t.src.status.GetStatus(ctx, t.key.Container, t.key.Service)
	if err != nil || st.IsUp {
		return nil
	}
	companion, err := t.src.status.GetStatus(ctx, t.key.Container, t.key.Service+"-log")
	if err != nil || companion.IsUp {
		return nil
	}
	t.src.logger.Debug("service stopped", "key", t.key)
	return ErrServiceStopped
}

func (t *agentTail) Close() error {
	t.ticker.Stop()
	return nil
}

var _ Source = (*AgentSource)(nil)
