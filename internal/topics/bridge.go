// Package topics bridges middleware topic subscriptions into JSON
// snapshots that can be polled or streamed.
package topics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"s6gate/internal/apperr"
	"s6gate/internal/config"
)

// Subscription is one topic a Source should deliver.
type Subscription struct {
	Topic string
	Type  string
}

// Source keeps a subscription to every topic for one container. Run
// blocks until ctx is done, reconnecting on its own.
type Source interface {
	Run(ctx context.Context, subs []Subscription, deliver func(topic string, msg json.RawMessage)) error
	Connected() bool
}

// Snapshot is the latest known state of a topic. Data is null unless the
// topic is available or stale data is exposed, in which case Stale is set.
type Snapshot struct {
	Container  string          `json:"container"`
	Topic      string          `json:"topic"`
	MsgType    string          `json:"msg_type"`
	Data       json.RawMessage `json:"data"`
	Available  bool            `json:"available"`
	Stale      bool            `json:"stale"`
	Static     bool            `json:"static"`
	DomainID   int             `json:"domain_id"`
	ReceivedAt *time.Time      `json:"received_at"`
	AgeSeconds *float64        `json:"age_seconds"`

	version uint64
}

type TopicInfo struct {
	Topic      string     `json:"topic"`
	MsgType    string     `json:"msg_type"`
	Static     bool       `json:"static"`
	Subscribed bool       `json:"subscribed"`
	Available  bool       `json:"available"`
	LastUpdate *time.Time `json:"last_update"`
}

type Listing struct {
	Container string      `json:"container"`
	DomainID  int         `json:"domain_id"`
	Topics    []TopicInfo `json:"topics"`
}

type Options struct {
	StalenessWindow time.Duration
	MaxRateHz       float64
	ExposeStale     bool
	Logger          *slog.Logger
}

// Bridge holds the shared per-topic state of every container with a
// topic bridge configured.
type Bridge struct {
	containers map[string]*containerTopics
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

type containerTopics struct {
	name     string
	domainID int
	source   Source
	order    []string
	entries  map[string]*entry
}

type entry struct {
	topic   string
	msgType string
	static  bool

	mu         sync.Mutex
	data       json.RawMessage
	receivedAt time.Time
	version    uint64
	watchers   map[chan struct{}]struct{}
}

// NewBridge builds topic state for every container with a ros2 block.
// newSource is called once per container with its bridge URL.
func NewBridge(containers map[string]config.ContainerConfig, opts Options, newSource func(container, url string) Source) *Bridge {
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 3 * time.Second
	}
	if opts.MaxRateHz <= 0 {
		opts.MaxRateHz = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bridge{
		containers: make(map[string]*containerTopics),
		opts:       opts,
		logger:     opts.Logger.With("component", "topic_bridge"),
		now:        time.Now,
	}
	for name, ctr := range containers {
		if ctr.ROS2 == nil {
			continue
		}
		ct := &containerTopics{
			name:     name,
			domainID: ctr.ROS2.DomainID,
			source:   newSource(name, ctr.ROS2.BridgeURL),
			entries:  make(map[string]*entry),
		}
		for topic, typ := range ctr.ROS2.Topics {
			ct.add(topic, typ, false)
		}
		for topic, typ := range ctr.ROS2.StaticTopics {
			ct.add(topic, typ, true)
		}
		sort.Strings(ct.order)
		b.containers[name] = ct
	}
	return b
}

func (ct *containerTopics) add(topic, typ string, static bool) {
	topic = NormalizeTopic(topic)
	if _, ok := ct.entries[topic]; !ok {
		ct.order = append(ct.order, topic)
	}
	ct.entries[topic] = &entry{topic: topic, msgType: typ, static: static, watchers: make(map[chan struct{}]struct{})}
}

// NormalizeTopic adds the leading slash topic names carry.
func NormalizeTopic(topic string) string {
	if !strings.HasPrefix(topic, "/") {
		return "/" + topic
	}
	return topic
}

// Run drives every container's source until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ct := range b.containers {
		subs := make([]Subscription, 0, len(ct.order))
		for _, topic := range ct.order {
			subs = append(subs, Subscription{Topic: topic, Type: ct.entries[topic].msgType})
		}
		g.Go(func() error {
			b.logger.Info("topic source started", "container", ct.name, "topics", len(subs))
			return ct.source.Run(ctx, subs, func(topic string, msg json.RawMessage) {
				b.deliver(ct, topic, msg)
			})
		})
	}
	return g.Wait()
}

func (b *Bridge) deliver(ct *containerTopics, topic string, msg json.RawMessage) {
	e, ok := ct.entries[NormalizeTopic(topic)]
	if !ok {
		return
	}
	e.mu.Lock()
	e.data = append(json.RawMessage(nil), msg...)
	e.receivedAt = b.now()
	e.version++
	for w := range e.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
}

func (b *Bridge) lookup(container, topic string) (*containerTopics, *entry, error) {
	ct, ok := b.containers[container]
	if !ok {
		return nil, nil, apperr.NotFound("topic bridge not configured for container %q", container)
	}
	e, ok := ct.entries[NormalizeTopic(topic)]
	if !ok {
		return nil, nil, apperr.NotFound("topic %q is not configured for container %q", NormalizeTopic(topic), container)
	}
	return ct, e, nil
}

// Enabled reports whether container has a topic bridge.
func (b *Bridge) Enabled(container string) bool {
	_, ok := b.containers[container]
	return ok
}

// Snapshot returns the current state of a topic. Availability is computed
// at read time from the staleness window.
func (b *Bridge) Snapshot(container, topic string) (Snapshot, error) {
	ct, e, err := b.lookup(container, topic)
	if err != nil {
		return Snapshot{}, err
	}
	return b.snapshot(ct, e), nil
}

func (b *Bridge) snapshot(ct *containerTopics, e *entry) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Container: ct.name,
		Topic:     e.topic,
		MsgType:   e.msgType,
		Static:    e.static,
		DomainID:  ct.domainID,
		version:   e.version,
	}
	if e.receivedAt.IsZero() {
		return snap
	}
	at := e.receivedAt.UTC()
	age := b.now().Sub(e.receivedAt).Seconds()
	snap.ReceivedAt = &at
	snap.AgeSeconds = &age
	snap.Available = e.static || b.now().Sub(e.receivedAt) < b.opts.StalenessWindow
	switch {
	case snap.Available:
		snap.Data = e.data
	case b.opts.ExposeStale:
		snap.Data = e.data
		snap.Stale = true
	}
	return snap
}

func (b *Bridge) List(container string) (Listing, error) {
	ct, ok := b.containers[container]
	if !ok {
		return Listing{}, apperr.NotFound("topic bridge not configured for container %q", container)
	}
	connected := ct.source.Connected()
	out := Listing{Container: container, DomainID: ct.domainID, Topics: make([]TopicInfo, 0, len(ct.order))}
	for _, topic := range ct.order {
		snap := b.snapshot(ct, ct.entries[topic])
		out.Topics = append(out.Topics, TopicInfo{
			Topic:      snap.Topic,
			MsgType:    snap.MsgType,
			Static:     snap.Static,
			Subscribed: connected,
			Available:  snap.Available,
			LastUpdate: snap.ReceivedAt,
		})
	}
	return out, nil
}

// Watch streams snapshots of a topic: the current one immediately, then
// one per new message or availability change, at most MaxRateHz. A topic
// that never publishes keeps reporting unavailable. The channel closes
// when ctx is done.
func (b *Bridge) Watch(ctx context.Context, container, topic string) (<-chan Snapshot, error) {
	ct, e, err := b.lookup(container, topic)
	if err != nil {
		return nil, err
	}
	notify := make(chan struct{}, 1)
	e.mu.Lock()
	e.watchers[notify] = struct{}{}
	e.mu.Unlock()

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		defer func() {
			e.mu.Lock()
			delete(e.watchers, notify)
			e.mu.Unlock()
		}()
		limiter := rate.NewLimiter(rate.Limit(b.opts.MaxRateHz), 1)
		last := b.snapshot(ct, e)
		_ = limiter.Allow()
		if !send(ctx, out, last) {
			return
		}
		for {
			var staleC <-chan time.Time
			var timer *time.Timer
			if last.Available && !last.Static && last.ReceivedAt != nil {
				timer = time.NewTimer(max(last.ReceivedAt.Add(b.opts.StalenessWindow).Sub(b.now()), time.Millisecond))
				staleC = timer.C
			}
			select {
			case <-ctx.Done():
			case <-notify:
			case <-staleC:
			}
			if timer != nil {
				timer.Stop()
			}
			if ctx.Err() != nil {
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			snap := b.snapshot(ct, e)
			if snap.version == last.version && snap.Available == last.Available {
				continue
			}
			if !send(ctx, out, snap) {
				return
			}
			last = snap
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Snapshot, snap Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
