package topics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"s6gate/internal/apperr"
	"s6gate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeSource struct {
	runs      atomic.Int64
	connected atomic.Bool
	mu        sync.Mutex
	deliver   func(string, json.RawMessage)
	ready     chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: make(chan struct{})}
}

func (f *fakeSource) Run(ctx context.Context, subs []Subscription, deliver func(string, json.RawMessage)) error {
	f.runs.Add(1)
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	f.connected.Store(true)
	close(f.ready)
	<-ctx.Done()
	f.connected.Store(false)
	return nil
}

func (f *fakeSource) Connected() bool { return f.connected.Load() }

func (f *fakeSource) publish(topic, msg string) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	deliver(topic, json.RawMessage(msg))
}

var robotConfig = map[string]config.ContainerConfig{
	"ai_worker": {
		SocketPath: "/unused",
		ROS2: &config.ROS2Config{
			BridgeURL:    "ws://unused",
			DomainID:     30,
			Topics:       map[string]string{"/joint_states": "sensor_msgs/msg/JointState", "battery": "sensor_msgs/msg/BatteryState"},
			StaticTopics: map[string]string{"/robot_description": "std_msgs/msg/String"},
		},
	},
	"plain": {SocketPath: "/unused"},
}

func startBridge(t *testing.T, opts Options) (*Bridge, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	b := NewBridge(robotConfig, opts, func(container, url string) Source { return src })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-src.ready:
	case <-time.After(time.Second):
		t.Fatal("source never started")
	}
	return b, src
}

func TestSnapshotFlipsToUnavailableAfterWindow(t *testing.T) {
	b, src := startBridge(t, Options{StalenessWindow: 3 * time.Second})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	snap, err := b.Snapshot("ai_worker", "/joint_states")
	require.NoError(t, err)
	assert.False(t, snap.Available)
	assert.Nil(t, snap.Data)
	assert.Equal(t, 30, snap.DomainID)

	src.publish("/joint_states", `{"position":[0.1]}`)
	snap, err = b.Snapshot("ai_worker", "joint_states")
	require.NoError(t, err)
	assert.True(t, snap.Available)
	assert.JSONEq(t, `{"position":[0.1]}`, string(snap.Data))

	now = now.Add(2999 * time.Millisecond)
	snap, _ = b.Snapshot("ai_worker", "/joint_states")
	assert.True(t, snap.Available)

	now = now.Add(2 * time.Millisecond)
	snap, _ = b.Snapshot("ai_worker", "/joint_states")
	assert.False(t, snap.Available)
	assert.False(t, snap.Stale)
	assert.Nil(t, snap.Data)
	require.NotNil(t, snap.ReceivedAt)
}

func TestStaleDataExposedWhenConfigured(t *testing.T) {
	b, src := startBridge(t, Options{StalenessWindow: time.Second, ExposeStale: true})
	now := time.Now()
	b.now = func() time.Time { return now }

	src.publish("/battery", `{"percentage":0.5}`)
	now = now.Add(5 * time.Second)
	snap, err := b.Snapshot("ai_worker", "/battery")
	require.NoError(t, err)
	assert.False(t, snap.Available)
	assert.True(t, snap.Stale)
	assert.JSONEq(t, `{"percentage":0.5}`, string(snap.Data))
}

func TestStaticTopicNeverGoesStale(t *testing.T) {
	b, src := startBridge(t, Options{StalenessWindow: time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }

	src.publish("/robot_description", `{"data":"<robot/>"}`)
	now = now.Add(time.Hour)
	snap, err := b.Snapshot("ai_worker", "/robot_description")
	require.NoError(t, err)
	assert.True(t, snap.Available)
	assert.True(t, snap.Static)
}

func TestLookupErrors(t *testing.T) {
	b, _ := startBridge(t, Options{})

	_, err := b.Snapshot("plain", "/joint_states")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "topic bridge not configured")

	_, err = b.Snapshot("ai_worker", "/nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = b.List("missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, b.Enabled("plain"))
	assert.True(t, b.Enabled("ai_worker"))
}

func TestList(t *testing.T) {
	b, src := startBridge(t, Options{})
	src.publish("/battery", `{}`)

	listing, err := b.List("ai_worker")
	require.NoError(t, err)
	assert.Equal(t, 30, listing.DomainID)
	require.Len(t, listing.Topics, 3)
	assert.Equal(t, "/battery", listing.Topics[0].Topic)
	assert.True(t, listing.Topics[0].Available)
	assert.True(t, listing.Topics[0].Subscribed)
	assert.Equal(t, "/joint_states", listing.Topics[1].Topic)
	assert.False(t, listing.Topics[1].Available)
	assert.Equal(t, "/robot_description", listing.Topics[2].Topic)
	assert.True(t, listing.Topics[2].Static)
}

func nextSnap(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestWatchSilentTopicStaysOpen(t *testing.T) {
	b, _ := startBridge(t, Options{StalenessWindow: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Watch(ctx, "ai_worker", "/joint_states")
	require.NoError(t, err)
	first := nextSnap(t, ch)
	assert.False(t, first.Available)

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch not closed after cancel")
	}
}

func TestWatchSharesSubscriptionAndReportsFlip(t *testing.T) {
	b, src := startBridge(t, Options{StalenessWindow: 150 * time.Millisecond, MaxRateHz: 100})
	ctx := t.Context()

	w1, err := b.Watch(ctx, "ai_worker", "/joint_states")
	require.NoError(t, err)
	w2, err := b.Watch(ctx, "ai_worker", "/joint_states")
	require.NoError(t, err)
	assert.False(t, nextSnap(t, w1).Available)
	assert.False(t, nextSnap(t, w2).Available)

	src.publish("/joint_states", `{"position":[1]}`)
	for _, w := range []<-chan Snapshot{w1, w2} {
		snap := nextSnap(t, w)
		assert.True(t, snap.Available)
		assert.JSONEq(t, `{"position":[1]}`, string(snap.Data))
	}
	for _, w := range []<-chan Snapshot{w1, w2} {
		assert.False(t, nextSnap(t, w).Available)
	}
	assert.EqualValues(t, 1, src.runs.Load())
}

func TestWatchRateLimited(t *testing.T) {
	b, src := startBridge(t, Options{StalenessWindow: time.Minute, MaxRateHz: 5})
	ctx := t.Context()

	w, err := b.Watch(ctx, "ai_worker", "/battery")
	require.NoError(t, err)
	nextSnap(t, w)

	start := time.Now()
	src.publish("/battery", `{"n":1}`)
	nextSnap(t, w)
	src.publish("/battery", `{"n":2}`)
	nextSnap(t, w)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRosbridgeSubscribesOncePerTopic(t *testing.T) {
	var subscribes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		var op rosbridgeOp
		for i := 0; i < 2; i++ {
			if err := wsjson.Read(ctx, conn, &op); err != nil {
				return
			}
			if op.Op == "subscribe" {
				subscribes.Add(1)
			}
		}
		for {
			pub := rosbridgeOp{Op: "publish", Topic: "/joint_states", Msg: json.RawMessage(`{"position":[2]}`)}
			if err := wsjson.Write(ctx, conn, pub); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	cfg := map[string]config.ContainerConfig{
		"ai_worker": {
			SocketPath: "/unused",
			ROS2: &config.ROS2Config{
				BridgeURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
				Topics:    map[string]string{"/joint_states": "sensor_msgs/msg/JointState", "/battery": "sensor_msgs/msg/BatteryState"},
			},
		},
	}
	var source *Rosbridge
	b := NewBridge(cfg, Options{}, func(container, url string) Source {
		source = NewRosbridge(url, nil)
		return source
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		snap, err := b.Snapshot("ai_worker", "/joint_states")
		return err == nil && snap.Available
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, source.Connected())
	assert.EqualValues(t, 2, subscribes.Load())

	snap, err := b.Snapshot("ai_worker", "/battery")
	require.NoError(t, err)
	assert.False(t, snap.Available)
}
