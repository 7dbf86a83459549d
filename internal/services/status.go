package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"s6gate/internal/apperr"
)

const bulkConcurrency = 8

type Status struct {
	Container     string    `json:"container"`
	Service       string    `json:"service"`
	Name          string    `json:"name"`
	Label         string    `json:"label"`
	IsUp          bool      `json:"is_up"`
	PID           *int      `json:"pid"`
	UptimeSeconds *int64    `json:"uptime_seconds"`
	Raw           string    `json:"raw"`
	Error         string    `json:"error,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

var (
	pidPattern     = regexp.MustCompile(`\(pid\s+(\d+)`)
	secondsPattern = regexp.MustCompile(`(\d+)\s+seconds?`)
)

// ParseSvstat reads s6-svstat output such as "up (pid 123) 45 seconds" or
// "up (pid 123 pgid 123) 45 seconds, ready 45 seconds". The leading token
// decides up or down; pid and uptime are optional on an up line and always
// nil on a down one.
func ParseSvstat(raw string) (isUp bool, pid *int, uptime *int64) {
	text := strings.TrimSpace(raw)
	fields := strings.Fields(text)
	if len(fields) == 0 || strings.TrimSuffix(fields[0], ",") != "up" {
		return false, nil, nil
	}
	rest := text[len(fields[0]):]
	if loc := pidPattern.FindStringSubmatchIndex(rest); loc != nil {
		if p, err := strconv.Atoi(rest[loc[2]:loc[3]]); err == nil {
			pid = &p
		}
		rest = rest[loc[1]:]
		if end := strings.IndexByte(rest, ')'); end >= 0 {
			rest = rest[end+1:]
		}
	}
	if m := secondsPattern.FindStringSubmatch(rest); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			uptime = &secs
		}
	}
	return true, pid, uptime
}

// GetStatus queries one service.
func (p *Poller) GetStatus(ctx context.Context, container, service string) (Status, error) {
	if err := p.registry.check(container); err != nil {
		return Status{}, err
	}
	raw, err := p.agent.Status(ctx, container, service)
	if err != nil {
		return Status{}, fmt.Errorf("status of %s/%s: %w", container, service, err)
	}
	return p.newStatus(container, service, raw), nil
}

// GetAllStatuses resolves the merged service list, then queries each
// service. A failing service is reported with Error set and does not fail
// the batch.
func (p *Poller) GetAllStatuses(ctx context.Context, container string) ([]Status, error) {
	descs, err := p.registry.ListServices(ctx, container)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(descs))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, desc := range descs {
		g.Go(func() error {
			raw, err := p.agent.Status(ctx, container, desc.ID)
			if err != nil {
				out[i] = Status{
					Container: container,
					Service:   desc.ID,
					Name:      desc.ID,
					Label:     desc.Label,
					Error:     errorMarker(err),
					CheckedAt: p.now(),
				}
				return nil
			}
			out[i] = p.newStatus(container, desc.ID, raw)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (p *Poller) newStatus(container, service, raw string) Status {
	isUp, pid, uptime := ParseSvstat(raw)
	return Status{
		Container:     container,
		Service:       service,
		Name:          service,
		Label:         p.registry.Label(container, service),
		IsUp:          isUp,
		PID:           pid,
		UptimeSeconds: uptime,
		Raw:           raw,
		CheckedAt:     p.now(),
	}
}

func errorMarker(err error) string {
	if kind := apperr.Kind(err); kind != nil {
		return kind.Error() + ": " + apperr.Detail(err)
	}
	return err.Error()
}
