// Package docker wraps the local container engine for listing, control and
// log retrieval. The engine is optional: when its socket is unreachable every
// call fails with apperr.ErrEngineUnavailable and the rest of the gateway keeps
// working.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"s6gate/internal/apperr"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

var errDisabled = errors.New("docker adapter disabled")

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	}
	return "", apperr.Validation("invalid action %q, expected start, stop or restart", s)
}

// Record is the engine's view of a container, passed through as is.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Image     string    `json:"image"`
	ImageName string    `json:"image_name"`
	ImageTag  string    `json:"image_tag"`
	Created   time.Time `json:"created"`
}

type Detail struct {
	Name       string     `json:"name"`
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Running    bool       `json:"running"`
	Paused     bool       `json:"paused"`
	Restarting bool       `json:"restarting"`
	ExitCode   int        `json:"exit_code"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Image      string     `json:"image"`
	Health     string     `json:"health,omitempty"`
}

type ControlResult struct {
	Name   string `json:"name"`
	Action Action `json:"action"`
	Status string `json:"status"`
}

type LogsResult struct {
	Name string `json:"name"`
	Logs string `json:"logs"`
}

type Options struct {
	Host        string
	Disabled    bool
	StopTimeout time.Duration
	// CallTimeout bounds every engine request. Stop and restart get the
	// grace period on top.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Adapter talks to the engine. The client is created on first use so a
// missing socket at startup is not fatal.
type Adapter struct {
	host        string
	disabled    bool
	stopTimeout time.Duration
	callTimeout time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	cli *client.Client
}

func NewAdapter(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Adapter{
		host:        opts.Host,
		disabled:    opts.Disabled,
		stopTimeout: opts.StopTimeout,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger.With("component", "docker"),
	}
}

func (a *Adapter) client() (*client.Client, error) {
	if a.disabled {
		return nil, apperr.EngineUnavailable(errDisabled)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli != nil {
		return a.cli, nil
	}
	cli, err := client.NewClientWithOpts(client.WithHost(a.host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.EngineUnavailable(err)
	}
	a.cli = cli
	return cli, nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli == nil {
		return nil
	}
	err := a.cli.Close()
	a.cli = nil
	return err
}

func (a *Adapter) bounded(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.callTimeout+extra)
}

// Available pings the engine.
func (a *Adapter) Available(ctx context.Context) bool {
	cli, err := a.client()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx, client.PingOptions{})
	return err == nil
}

func (a *Adapter) List(ctx context.Context, all bool) ([]Record, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bounded(ctx, 0)
	defer cancel()
	result, err := cli.ContainerList(ctx, client.ContainerListOptions{All: all})
	if err != nil {
		return nil, classify(err, "")
	}
	out := make([]Record, 0, len(result.Items))
	for _, c := range result.Items {
		out = append(out, summaryToRecord(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Adapter) Status(ctx context.Context, name string) (Detail, error) {
	cli, err := a.client()
	if err != nil {
		return Detail{}, err
	}
	name = normalizeName(name)
	ctx, cancel := a.bounded(ctx, 0)
	defer cancel()
	inspect, err := cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return Detail{}, classify(err, name)
	}
	return inspectToDetail(inspect.Container), nil
}

// Control runs action against a container. timeout is the graceful stop
// period in seconds; nil uses the configured default.
func (a *Adapter) Control(ctx context.Context, name string, action Action, timeout *int) (ControlResult, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return ControlResult{}, err
	}
	if timeout != nil && *timeout < 0 {
		return ControlResult{}, apperr.Validation("timeout must not be negative")
	}
	cli, err := a.client()
	if err != nil {
		return ControlResult{}, err
	}
	name = normalizeName(name)
	if timeout == nil {
		secs := int(a.stopTimeout.Seconds())
		timeout = &secs
	}

	ctx, cancel := a.bounded(ctx, time.Duration(*timeout)*time.Second)
	defer cancel()
	switch action {
	case ActionStart:
		_, err = cli.ContainerStart(ctx, name, client.ContainerStartOptions{})
	case ActionStop:
		_, err = cli.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: timeout})
	case ActionRestart:
		_, err = cli.ContainerRestart(ctx, name, client.ContainerRestartOptions{Timeout: timeout})
	}
	if err != nil {
		return ControlResult{}, classify(err, name)
	}
	a.logger.Info("container control", "container", name, "action", action)

	res := ControlResult{Name: name, Action: action}
	if inspect, err := cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{}); err == nil && inspect.Container.State != nil {
		res.Status = string(inspect.Container.State.Status)
	}
	return res, nil
}

// Logs returns the last tail lines with timestamps, stdout and stderr
// interleaved.
func (a *Adapter) Logs(ctx context.Context, name string, tail int) (LogsResult, error) {
	if tail <= 0 {
		return LogsResult{}, apperr.Validation("tail must be positive")
	}
	cli, err := a.client()
	if err != nil {
		return LogsResult{}, err
	}
	name = normalizeName(name)
	ctx, cancel := a.bounded(ctx, 0)
	defer cancel()
	inspect, err := cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return LogsResult{}, classify(err, name)
	}
	rc, err := cli.ContainerLogs(ctx, name, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return LogsResult{}, classify(err, name)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if inspect.Container.Config != nil && inspect.Container.Config.Tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		if ctx.Err() != nil {
			return LogsResult{}, apperr.EngineUnavailable(err)
		}
		return LogsResult{}, apperr.Upstream(502, fmt.Sprintf("read logs: %v", err))
	}
	return LogsResult{Name: name, Logs: buf.String()}, nil
}

func classify(err error, name string) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return apperr.EngineUnavailable(err)
	case cerrdefs.IsNotFound(err):
		return apperr.NotFound("container %q not found", name)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.EngineUnavailable(err)
	default:
		return apperr.Upstream(502, err.Error())
	}
}

func normalizeName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "/")
}

func summaryToRecord(c container.Summary) Record {
	name := ""
	if len(c.Names) > 0 {
		name = normalizeName(c.Names[0])
	}
	imageName, imageTag := parseImage(c.Image)
	return Record{
		ID:        c.ID,
		Name:      name,
		Status:    c.Status,
		State:     string(c.State),
		Image:     c.Image,
		ImageName: imageName,
		ImageTag:  imageTag,
		Created:   time.Unix(c.Created, 0).UTC(),
	}
}

func inspectToDetail(inspect container.InspectResponse) Detail {
	d := Detail{
		Name: normalizeName(inspect.Name),
		ID:   inspect.ID,
	}
	if inspect.Config != nil {
		d.Image = inspect.Config.Image
	}
	if inspect.State == nil {
		d.Status = "unknown"
		return d
	}
	d.Status = string(inspect.State.Status)
	d.Running = inspect.State.Running
	d.Paused = inspect.State.Paused
	d.Restarting = inspect.State.Restarting
	d.ExitCode = inspect.State.ExitCode
	d.StartedAt = timePtr(parseDockerTime(inspect.State.StartedAt))
	d.FinishedAt = timePtr(parseDockerTime(inspect.State.FinishedAt))
	if inspect.State.Health != nil {
		d.Health = string(inspect.State.Health.Status)
	}
	return d
}

func parseDockerTime(val string) time.Time {
	if val == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// timePtr maps the zero time and the engine's 0001-01-01 placeholder to nil.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() || t.Year() <= 1 {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseImage(image string) (string, string) {
	if image == "" {
		return "", ""
	}
	ref, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return image, ""
	}
	ref = reference.TagNameOnly(ref)
	name := ref.Name()
	tag := ""
	if tagged, ok := ref.(reference.NamedTagged); ok {
		tag = tagged.Tag()
	}
	return name, tag
}
