// Package services merges agent-reported service inventories with
// configured labels, reads their supervisor status and forwards control
// actions.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"s6gate/internal/apperr"
	"s6gate/internal/config"
)

// Agent is the subset of the agent wire client used here.
type Agent interface {
	ListServices(ctx context.Context, container string) ([]string, error)
	Status(ctx context.Context, container, service string) (string, error)
	Control(ctx context.Context, container, service, action string) (json.RawMessage, error)
}

type Descriptor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Registry resolves the live service list of a container. Configured
// labels only decorate ids the agent reports; they never add services.
type Registry struct {
	agent  Agent
	labels map[string]map[string]string
}

func NewRegistry(agent Agent, containers map[string]config.ContainerConfig) *Registry {
	labels := make(map[string]map[string]string, len(containers))
	for name, ctr := range containers {
		labels[name] = ctr.Labels()
	}
	return &Registry{agent: agent, labels: labels}
}

// Known reports whether container is configured.
func (r *Registry) Known(container string) bool {
	_, ok := r.labels[container]
	return ok
}

func (r *Registry) check(container string) error {
	if !r.Known(container) {
		return apperr.NotFound("container %q is not configured", container)
	}
	return nil
}

// Label returns the configured label for id, or id itself.
func (r *Registry) Label(container, id string) string {
	if label, ok := r.labels[container][id]; ok {
		return label
	}
	return id
}

// ListServices returns the agent's services in the agent's order.
func (r *Registry) ListServices(ctx context.Context, container string) ([]Descriptor, error) {
	if err := r.check(container); err != nil {
		return nil, err
	}
	ids, err := r.agent.ListServices(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("list services of %s: %w", container, err)
	}
	out := make([]Descriptor, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Descriptor{ID: id, Label: r.Label(container, id)})
	}
	return out, nil
}
