// Package logstream fans one tail of a service log out to any number of
// subscribers.
//
// Each (container, service) key is Idle until its first subscriber arrives.
// That opens the Source once and starts a read loop (Tailing). Chunks are
// broadcast in source order to every subscriber channel. When the last
// subscriber leaves, or the source fails, the loop and its handle are torn
// down and the key is Idle again.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"s6gate/internal/config"
)

var (
	// ErrOverflow ends a subscription whose buffer filled up.
	ErrOverflow = errors.New("subscriber too slow, disconnected")
	// ErrServiceStopped ends every subscription of a service that stopped.
	ErrServiceStopped = errors.New("service stopped")
	// ErrClosed ends subscriptions when the multiplexer shuts down.
	ErrClosed = errors.New("log multiplexer closed")
)

type Key struct {
	Container string
	Service   string
}

func (k Key) String() string {
	return k.Container + "/" + k.Service
}

// Source opens the underlying log of a key. Open returns the tail and up to
// historyLines recent lines that precede the tail's first chunk.
type Source interface {
	Open(ctx context.Context, key Key, historyLines int) (Tail, string, error)
}

// Tail yields consecutive chunks until it fails or ctx is done.
type Tail interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

type EventType string

const (
	EventLogs  EventType = "logs"
	EventError EventType = "error"
)

type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

// Subscription is one consumer of a key. Events is closed when the
// subscription ends; Err then tells why (nil after Unsubscribe).
type Subscription struct {
	ID  string
	Key Key

	ch   chan Event
	done chan struct{}
	err  error
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err is valid once Events is closed.
func (s *Subscription) Err() error {
	return s.err
}

// finish closes the subscription, delivering ev first when set. A full
// buffer drops its oldest entry to make room for ev.
func (s *Subscription) finish(ev *Event, err error) {
	if ev != nil {
		select {
		case s.ch <- *ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- *ev:
			default:
			}
		}
	}
	s.err = err
	close(s.ch)
	close(s.done)
}

type Options struct {
	HistoryLines int
	Buffer       int
	Overflow     string
	Logger       *slog.Logger
}

type Multiplexer struct {
	source Source
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[Key]*stream
}

type stream struct {
	key Key

	mu      sync.Mutex
	subs    map[string]*Subscription
	ring    *lineRing
	tailing bool
	cancel  context.CancelFunc
	done    chan struct{}
	// closing is the done channel of a loop still shutting down.
	closing chan struct{}
}

func New(source Source, opts Options) *Multiplexer {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.HistoryLines < 0 {
		opts.HistoryLines = 0
	}
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowDisconnect
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		source:  source,
		opts:    opts,
		logger:  opts.Logger.With("component", "logstream"),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[Key]*stream),
	}
}

func (m *Multiplexer) stream(key Key) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[key]
	if !ok {
		st = &stream{key: key, subs: make(map[string]*Subscription), ring: newLineRing(m.opts.HistoryLines)}
		m.streams[key] = st
	}
	return st
}

// Subscribe registers a consumer for key, starting the tail if the key is
// Idle. With backfill > 0 the newest min(backfill, history) lines are
// delivered once before live chunks. The subscription ends when ctx is done.
func (m *Multiplexer) Subscribe(ctx context.Context, key Key, backfill int) (*Subscription, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	st := m.stream(key)
	st.lockIdle()
	defer st.mu.Unlock()

	if !st.tailing {
		if err := m.start(st); err != nil {
			return nil, err
		}
	}

	sub := &Subscription{
		ID:   uuid.NewString(),
		Key:  key,
		ch:   make(chan Event, m.opts.Buffer),
		done: make(chan struct{}),
	}
	if backfill > 0 {
		if text := st.ring.last(backfill); text != "" {
			sub.ch <- Event{Type: EventLogs, Data: text}
		}
	}
	st.subs[sub.ID] = sub
	m.logger.Debug("subscribed", "key", key, "subscriber", sub.ID, "subscribers", len(st.subs))

	go func() {
		select {
		case <-ctx.Done():
			m.Unsubscribe(sub)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// lockIdle locks st, first waiting out a read loop that is still closing.
func (st *stream) lockIdle() {
	st.mu.Lock()
	for st.closing != nil {
		done := st.closing
		select {
		case <-done:
			st.closing = nil
		default:
			st.mu.Unlock()
			<-done
			st.mu.Lock()
		}
	}
}

func (m *Multiplexer) start(st *stream) error {
	runCtx, cancel := context.WithCancel(m.ctx)
	tail, history, err := m.source.Open(runCtx, st.key, m.opts.HistoryLines)
	if err != nil {
		cancel()
		return fmt.Errorf("open log %s: %w", st.key, err)
	}
	st.ring.reset()
	st.ring.write(history)
	st.tailing = true
	st.cancel = cancel
	st.done = make(chan struct{})
	m.logger.Info("tail started", "key", st.key)
	go m.run(runCtx, st, tail, st.done)
	return nil
}

func (m *Multiplexer) run(ctx context.Context, st *stream, tail Tail, done chan struct{}) {
	defer close(done)
	defer tail.Close()
	for {
		chunk, err := tail.Next(ctx)
		if err != nil {
			m.fail(ctx, st, err)
			return
		}
		if chunk == "" {
			continue
		}
		if !m.broadcast(ctx, st, chunk) {
			return
		}
	}
}

// broadcast delivers chunk to every subscriber and reports whether the
// loop should keep reading.
func (m *Multiplexer) broadcast(ctx context.Context, st *stream, chunk string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	st.ring.write(chunk)
	ev := Event{Type: EventLogs, Data: chunk}
	for id, sub := range st.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if m.opts.Overflow == config.OverflowDropOldest {
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		delete(st.subs, id)
		sub.finish(&Event{Type: EventError, Data: ErrOverflow.Error()}, ErrOverflow)
		m.logger.Warn("subscriber overflow", "key", st.key, "subscriber", id)
	}
	if len(st.subs) == 0 {
		st.stopLocked()
		m.logger.Info("tail stopped", "key", st.key, "reason", "no subscribers")
		return false
	}
	return true
}

func (m *Multiplexer) fail(ctx context.Context, st *stream, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrServiceStopped) {
		m.logger.Info("tail ended", "key", st.key, "reason", err)
	} else {
		m.logger.Warn("tail failed", "key", st.key, "error", err)
	}
	ev := &Event{Type: EventError, Data: err.Error()}
	for id, sub := range st.subs {
		delete(st.subs, id)
		sub.finish(ev, err)
	}
	st.stopLocked()
}

// stopLocked returns st to Idle. The read loop exits on its own and closes
// the tail.
func (st *stream) stopLocked() {
	if !st.tailing {
		return
	}
	st.tailing = false
	st.cancel()
	st.closing = st.done
}

func (m *Multiplexer) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	st, ok := m.streams[sub.Key]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub.ID]; !ok {
		return
	}
	delete(st.subs, sub.ID)
	sub.finish(nil, nil)
	m.logger.Debug("unsubscribed", "key", sub.Key, "subscriber", sub.ID, "subscribers", len(st.subs))
	if len(st.subs) == 0 {
		st.stopLocked()
		m.logger.Info("tail stopped", "key", st.key, "reason", "no subscribers")
	}
}

// Subscribers returns the number of live subscriptions for key.
func (m *Multiplexer) Subscribers(key Key) int {
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Tailing reports whether key has an active read loop.
func (m *Multiplexer) Tailing(key Key) bool {
	m.mu.Lock()
	st, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tailing
}

// Close ends every subscription with ErrClosed and stops all read loops.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		for id, sub := range st.subs {
			delete(st.subs, id)
			sub.finish(&Event{Type: EventError, Data: ErrClosed.Error()}, ErrClosed)
		}
		st.stopLocked()
		st.mu.Unlock()
	}
	m.cancel()
}
