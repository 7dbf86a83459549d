package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"s6gate/internal/apperr"
)

type Action string

const (
	ActionUp      Action = "up"
	ActionDown    Action = "down"
	ActionRestart Action = "restart"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionUp, ActionDown, ActionRestart:
		return a, nil
	}
	return "", apperr.Validation("invalid action %q, expected up, down or restart", s)
}

type ControlResult struct {
	Container string          `json:"container"`
	Service   string          `json:"service"`
	Action    Action          `json:"action"`
	Result    json.RawMessage `json:"result"`
}

// Dispatcher forwards control actions. It does not wait for the action to
// take effect; callers re-query status for confirmation.
type Dispatcher struct {
	registry *Registry
	agent    Agent
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, agent Agent, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, agent: agent, logger: logger.With("component", "control")}
}

// ControlService validates action locally, then sends it to the agent.
// Unknown service ids are left for the agent to reject.
func (d *Dispatcher) ControlService(ctx context.Context, container, service, action string) (ControlResult, error) {
	act, err := ParseAction(action)
	if err != nil {
		return ControlResult{}, err
	}
	if err := d.registry.check(container); err != nil {
		return ControlResult{}, err
	}
	result, err := d.agent.Control(ctx, container, service, string(act))
	if err != nil {
		return ControlResult{}, fmt.Errorf("%s %s/%s: %w", act, container, service, err)
	}
	d.logger.Info("service control", "container", container, "service", service, "action", act)
	return ControlResult{Container: container, Service: service, Action: act, Result: result}, nil
}
