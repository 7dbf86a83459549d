package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier delivers operator alerts. A nil *notify.Telegram is a valid
// no-op Notifier.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

type batch struct {
	at       time.Time
	statuses []Status
}

// Poller answers status queries on demand and, when an interval is set,
// refreshes every container in the background. The background cache is
// served only while younger than one interval.
type Poller struct {
	registry   *Registry
	agent      Agent
	containers []string
	interval   time.Duration
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]batch
	last  map[string]bool
}

type PollerOptions struct {
	Containers []string
	Interval   time.Duration
	Notifier   Notifier
	Logger     *slog.Logger
}

func NewPoller(registry *Registry, agent Agent, opts PollerOptions) *Poller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		registry:   registry,
		agent:      agent,
		containers: opts.Containers,
		interval:   opts.Interval,
		notifier:   opts.Notifier,
		logger:     opts.Logger.With("component", "status_poller"),
		now:        func() time.Time { return time.Now().UTC() },
		cache:      make(map[string]batch),
		last:       make(map[string]bool),
	}
}

// Run polls until ctx is done. It returns immediately when polling is
// disabled.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	p.logger.Info("status poller started", "interval", p.interval, "containers", len(p.containers))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, container := range p.containers {
		statuses, err := p.GetAllStatuses(ctx, container)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("poll failed", "container", container, "error", err)
			}
			p.mu.Lock()
			delete(p.cache, container)
			p.mu.Unlock()
			continue
		}
		p.record(ctx, container, statuses)
	}
}

func (p *Poller) record(ctx context.Context, container string, statuses []Status) {
	var alerts []string
	p.mu.Lock()
	p.cache[container] = batch{at: p.now(), statuses: statuses}
	for _, st := range statuses {
		if st.Error != "" {
			continue
		}
		key := container + "/" + st.Service
		prev, seen := p.last[key]
		p.last[key] = st.IsUp
		if !seen || prev == st.IsUp {
			continue
		}
		state := "down"
		if st.IsUp {
			state = "up"
		}
		alerts = append(alerts, fmt.Sprintf("[%s] %s: %s is %s", stateSeverity(st.IsUp), container, st.Label, state))
	}
	p.mu.Unlock()

	for _, text := range alerts {
		p.logger.Info("service transition", "container", container, "alert", text)
		if p.notifier == nil {
			continue
		}
		if err := p.notifier.Send(ctx, text); err != nil {
			p.logger.Warn("notify failed", "error", err)
		}
	}
}

func stateSeverity(up bool) string {
	if up {
		return "INFO"
	}
	return "WARN"
}

// Cached returns the last background batch for container if it is younger
// than one poll interval.
func (p *Poller) Cached(container string) ([]Status, bool) {
	if p.interval <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.cache[container]
	if !ok || p.now().Sub(b.at) >= p.interval {
		return nil, false
	}
	return append([]Status(nil), b.statuses...), true
}
