package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type streamSubscribe struct {
	Type        string   `json:"type"`
	Underlyings []string `json:"underlyings,omitempty"`
}

type wireTick struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TS     int64   `json:"ts"`
}

type streamConn struct {
	url  string
	conn *websocket.Conn
}

func (c *streamConn) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	// Bursty option feeds can batch many prints per frame.
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	return nil
}

func (c *streamConn) close(status websocket.StatusCode, reason string) error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close(status, reason)
}

func (c *streamConn) subscribe(ctx context.Context, underlyings []string) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	payload, err := json.Marshal(streamSubscribe{Type: "subscribe", Underlyings: underlyings})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *streamConn) read(ctx context.Context) ([]byte, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("stream not connected")
	}
	_, data, err := c.conn.Read(ctx)
	return data, err
}

type TickStreamOptions struct {
	URL               string
	Underlyings       []string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// TickStream keeps a persistent connection to the live tick feed and invokes
// onTick for every decoded print. It reconnects with jittered backoff and
// returns only when ctx is cancelled.
type TickStream struct {
	opts      TickStreamOptions
	seenFirst bool
}

func NewTickStream(opts TickStreamOptions) *TickStream {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &TickStream{opts: opts}
}

func (s *TickStream) Run(ctx context.Context, onTick func(Tick)) error {
	if s == nil {
		return fmt.Errorf("stream is nil")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn := &streamConn{url: s.opts.URL}
		if err := conn.connect(ctx); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("tick stream connect failed", zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		if err := conn.subscribe(ctx, s.opts.Underlyings); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("tick stream subscribe failed", zap.Error(err))
			}
			_ = conn.close(websocket.StatusInternalError, "subscribe failed")
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Info("tick stream subscribed", zap.Strings("underlyings", s.opts.Underlyings))
		}
		backoff = s.opts.BackoffMin

		err := s.consume(ctx, conn, onTick)
		_ = conn.close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *TickStream) consume(ctx context.Context, conn *streamConn, onTick func(Tick)) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, s.opts.PingTimeout)
				err := conn.conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		data, err := conn.read(ctx)
		if err != nil {
			if s.opts.Logger != nil && !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("tick stream read failed", zap.Error(err))
			}
			return err
		}
		tick, ok := decodeTick(data)
		if !ok {
			continue
		}
		if s.opts.Logger != nil && !s.seenFirst {
			s.seenFirst = true
			s.opts.Logger.Info("tick stream first print", zap.String("symbol", tick.Symbol))
		}
		if onTick != nil {
			onTick(tick)
		}
	}
}

func decodeTick(raw []byte) (Tick, bool) {
	var w wireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return Tick{}, false
	}
	if strings.EqualFold(w.Type, "ping") || strings.EqualFold(w.Type, "pong") {
		return Tick{}, false
	}
	if strings.TrimSpace(w.Symbol) == "" {
		return Tick{}, false
	}
	asOf := time.Now().UTC()
	if w.TS > 0 {
		asOf = time.UnixMilli(w.TS).UTC()
	}
	return Tick{
		Symbol: strings.TrimSpace(w.Symbol),
		Bid:    w.Bid,
		Ask:    w.Ask,
		Last:   w.Last,
		AsOf:   asOf,
	}, true
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
