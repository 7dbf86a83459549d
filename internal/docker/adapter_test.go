package docker

import (
	"context"
	"sync"
	"testing"
	"time"

	"s6gate/internal/apperr"

	"github.com/moby/moby/api/types/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerSummary = `{"Id":"abc123","Names":["/ai_worker"],"Image":"ghcr.io/robotis/ai_worker:1.2.3","State":"running","Status":"Up 2 hours","Created":1767225600}`

const workerInspect = `{
	"Id":"abc123",
	"Name":"/ai_worker",
	"Created":"2026-01-01T00:00:00Z",
	"Image":"sha256:0f1e",
	"State":{
		"Status":"running","Running":true,"Paused":false,"Restarting":false,"ExitCode":0,
		"StartedAt":"2026-01-02T03:04:05.123456789Z","FinishedAt":"0001-01-01T00:00:00Z",
		"Health":{"Status":"healthy"}
	},
	"Config":{"Image":"ghcr.io/robotis/ai_worker:1.2.3","Tty":false}
}`

func newTestAdapter(t *testing.T) (*Adapter, *mockEngine) {
	t.Helper()
	engine := newMockEngine(t)
	engine.add("ai_worker", mockContainer{
		summary: workerSummary,
		inspect: workerInspect,
		logs: []logFrame{
			{stream: 1, data: "2026-01-02T03:04:06Z booting\n"},
			{stream: 2, data: "2026-01-02T03:04:07Z warning: no gpu\n"},
			{stream: 1, data: "2026-01-02T03:04:08Z ready\n"},
		},
	})
	adapter := NewAdapter(Options{Host: engine.Start(), StopTimeout: 7 * time.Second})
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter, engine
}

func TestListRecords(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	records, err := adapter.List(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "abc123", rec.ID)
	assert.Equal(t, "ai_worker", rec.Name)
	assert.Equal(t, "running", rec.State)
	assert.Equal(t, "Up 2 hours", rec.Status)
	assert.Equal(t, "ghcr.io/robotis/ai_worker", rec.ImageName)
	assert.Equal(t, "1.2.3", rec.ImageTag)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), rec.Created)
}

func TestStatusDetail(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	detail, err := adapter.Status(t.Context(), "/ai_worker")
	require.NoError(t, err)
	assert.Equal(t, "ai_worker", detail.Name)
	assert.Equal(t, "running", detail.Status)
	assert.True(t, detail.Running)
	assert.Equal(t, "healthy", detail.Health)
	require.NotNil(t, detail.StartedAt)
	assert.Equal(t, 2026, detail.StartedAt.Year())
	assert.Nil(t, detail.FinishedAt)
	assert.Equal(t, "ghcr.io/robotis/ai_worker:1.2.3", detail.Image)
}

func TestStatusUnknownContainer(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	_, err := adapter.Status(t.Context(), "ghost")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NotErrorIs(t, err, apperr.ErrEngineUnavailable)
}

func TestControlPassesTimeout(t *testing.T) {
	adapter, engine := newTestAdapter(t)
	ctx := t.Context()

	res, err := adapter.Control(ctx, "ai_worker", ActionStop, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionStop, res.Action)
	assert.Equal(t, "running", res.Status)

	five := 5
	_, err = adapter.Control(ctx, "ai_worker", ActionRestart, &five)
	require.NoError(t, err)
	_, err = adapter.Control(ctx, "ai_worker", ActionStart, nil)
	require.NoError(t, err)

	assert.Equal(t, []controlCall{
		{id: "ai_worker", action: "stop", timeout: "7"},
		{id: "ai_worker", action: "restart", timeout: "5"},
		{id: "ai_worker", action: "start"},
	}, engine.calls())
}

func TestControlRejectsBadInput(t *testing.T) {
	adapter, engine := newTestAdapter(t)

	_, err := adapter.Control(t.Context(), "ai_worker", Action("pause"), nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
	negative := -1
	_, err = adapter.Control(t.Context(), "ai_worker", ActionStop, &negative)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, engine.calls())
}

func TestLogsDemultiplexed(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	res, err := adapter.Logs(t.Context(), "ai_worker", 100)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:06Z booting\n2026-01-02T03:04:07Z warning: no gpu\n2026-01-02T03:04:08Z ready\n", res.Logs)
}

func TestLogsTTYContainer(t *testing.T) {
	adapter, engine := newTestAdapter(t)
	engine.add("console", mockContainer{
		summary: `{"Id":"def456","Names":["/console"],"Image":"busybox","State":"running","Status":"Up","Created":1767225600}`,
		inspect: `{"Id":"def456","Name":"/console","State":{"Status":"running","Running":true},"Config":{"Image":"busybox","Tty":true}}`,
		logs:    []logFrame{{data: "raw tty output\n"}},
		tty:     true,
	})

	res, err := adapter.Logs(t.Context(), "console", 10)
	require.NoError(t, err)
	assert.Equal(t, "raw tty output\n", res.Logs)
}

func TestEngineUnavailable(t *testing.T) {
	adapter := NewAdapter(Options{Host: closedHost(t)})
	defer adapter.Close()
	ctx := t.Context()

	assert.False(t, adapter.Available(ctx))
	_, err := adapter.List(ctx, false)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	_, err = adapter.Status(ctx, "ai_worker")
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	_, err = adapter.Control(ctx, "ai_worker", ActionRestart, nil)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	_, err = adapter.Logs(ctx, "ai_worker", 10)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
}

func TestCallsBoundedByCallTimeout(t *testing.T) {
	engine := newMockEngine(t)
	engine.add("ai_worker", mockContainer{summary: workerSummary, inspect: workerInspect})
	engine.stall("/containers/json")
	engine.stall("/containers/ai_worker/json")
	adapter := NewAdapter(Options{Host: engine.Start(), CallTimeout: 200 * time.Millisecond})
	defer adapter.Close()

	start := time.Now()
	_, err := adapter.List(t.Context(), true)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	assert.Less(t, time.Since(start), 3*time.Second)

	start = time.Now()
	_, err = adapter.Status(t.Context(), "ai_worker")
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	_, err = adapter.Logs(t.Context(), "ai_worker", 10)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStopBoundIncludesGracePeriod(t *testing.T) {
	engine := newMockEngine(t)
	engine.add("ai_worker", mockContainer{summary: workerSummary, inspect: workerInspect})
	engine.stall("/containers/ai_worker/stop")
	adapter := NewAdapter(Options{Host: engine.Start(), CallTimeout: 200 * time.Millisecond})
	defer adapter.Close()

	grace := 1
	start := time.Now()
	_, err := adapter.Control(t.Context(), "ai_worker", ActionStop, &grace)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 4*time.Second)
}

func TestDisabledAdapter(t *testing.T) {
	adapter := NewAdapter(Options{Disabled: true})

	assert.False(t, adapter.Available(t.Context()))
	_, err := adapter.List(t.Context(), true)
	require.ErrorIs(t, err, apperr.ErrEngineUnavailable)
}

func TestAvailable(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	assert.True(t, adapter.Available(t.Context()))
}

func TestWatchDeliversContainerEvents(t *testing.T) {
	engine := newMockEngine(t)
	engine.events = []events.Message{
		{Type: events.ContainerEventType, Action: "exec_start: healthcheck", Actor: events.Actor{ID: "abc123", Attributes: map[string]string{"name": "ai_worker"}}, TimeNano: 1},
		{Type: events.ContainerEventType, Action: "die", Actor: events.Actor{ID: "abc123", Attributes: map[string]string{"name": "ai_worker", "exitCode": "137"}}, Time: 1767225600},
		{Type: events.ContainerEventType, Action: "start", Actor: events.Actor{ID: "abc123", Attributes: map[string]string{"name": "ai_worker"}}, Time: 1767225601},
	}
	adapter := NewAdapter(Options{Host: engine.Start()})
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []Event
	done := make(chan error, 1)
	go func() {
		done <- adapter.Watch(ctx, time.Second, func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "die", got[0].Action)
	require.NotNil(t, got[0].ExitCode)
	assert.Equal(t, 137, *got[0].ExitCode)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), got[0].Time)
	assert.Equal(t, "start", got[1].Action)
	assert.Nil(t, got[1].ExitCode)
}

func TestWatchRetriesUnavailableEngine(t *testing.T) {
	adapter := NewAdapter(Options{Host: closedHost(t)})
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := adapter.Watch(ctx, 50*time.Millisecond, func(Event) { t.Error("unexpected event") })
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestParseImage(t *testing.T) {
	cases := []struct {
		in, name, tag string
	}{
		{"ubuntu", "docker.io/library/ubuntu", "latest"},
		{"ghcr.io/robotis/ai_worker:1.2.3", "ghcr.io/robotis/ai_worker", "1.2.3"},
		{"", "", ""},
		{"Not A Ref", "Not A Ref", ""},
	}
	for _, tc := range cases {
		name, tag := parseImage(tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.tag, tag, tc.in)
	}
}
