package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const rosbridgeReadLimit = 16 << 20

// Rosbridge subscribes to topics through a rosbridge JSON websocket.
type Rosbridge struct {
	url       string
	logger    *slog.Logger
	connected atomic.Bool
	// MaxInterval caps the reconnect backoff.
	MaxInterval time.Duration
}

func NewRosbridge(url string, logger *slog.Logger) *Rosbridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rosbridge{
		url:         url,
		logger:      logger.With("component", "rosbridge", "url", url),
		MaxInterval: 10 * time.Second,
	}
}

type rosbridgeOp struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Type  string          `json:"type,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`
}

func (r *Rosbridge) Connected() bool {
	return r.connected.Load()
}

// Run keeps a session open, reconnecting with exponential backoff, until
// ctx is done.
func (r *Rosbridge) Run(ctx context.Context, subs []Subscription, deliver func(topic string, msg json.RawMessage)) error {
	if len(subs) == 0 {
		<-ctx.Done()
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = r.MaxInterval
	policy.MaxElapsedTime = 0
	for {
		err := r.session(ctx, subs, deliver, policy)
		r.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		wait := policy.NextBackOff()
		r.logger.Warn("rosbridge session ended", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Rosbridge) session(ctx context.Context, subs []Subscription, deliver func(string, json.RawMessage), policy backoff.BackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, r.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(rosbridgeReadLimit)

	for _, sub := range subs {
		op := rosbridgeOp{Op: "subscribe", ID: "s6gate:" + sub.Topic, Topic: sub.Topic, Type: sub.Type}
		if err := wsjson.Write(ctx, conn, op); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Topic, err)
		}
	}
	r.connected.Store(true)
	policy.Reset()
	r.logger.Info("rosbridge connected", "topics", len(subs))

	for {
		var msg rosbridgeOp
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Op != "publish" || msg.Topic == "" {
			continue
		}
		deliver(msg.Topic, msg.Msg)
	}
}
