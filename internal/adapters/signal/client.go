// Package signal is the WebSocket signaling transport of the call agent.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signaling client closed")
)

const outboxSize = 64

// Client keeps one WebSocket connection to the signaling server alive,
// redialing with exponential backoff. Outbound messages queue across
// reconnects.
type Client struct {
	URL  string
	Self domain.PeerID
	Cfg  config.Signal

	// Deliver hands an inbound message to the call core. It must not block.
	Deliver func(domain.Message) bool
	// OnConnected runs after every successful dial and registration.
	OnConnected func(reconnected bool)

	dialer  *websocket.Dialer
	limiter *PeerRateLimiter
	out     chan []byte

	connected atomic.Bool
	closed    atomic.Bool
}

var _ core.Transport = (*Client)(nil)

func NewClient(url string, self domain.PeerID, cfg config.Signal) *Client {
	return &Client{
		URL:     url,
		Self:    self,
		Cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		limiter: NewPeerRateLimiter(cfg.RateLimit, cfg.RateInterval),
		out:     make(chan []byte, outboxSize),
	}
}

// Send queues msg for the current or next connection.
func (c *Client) Send(ctx context.Context, msg domain.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if msg.From == "" {
		msg.From = c.Self
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	select {
	case c.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Run dials, serves and redials until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.closed.Store(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.Cfg.BackoffMaxInterval > 0 {
		bo.MaxInterval = c.Cfg.BackoffMaxInterval
	}

	reconnected := false
	for {
		ws, err := backoff.RetryNotifyWithData(
			func() (*websocket.Conn, error) { return c.dial(ctx) },
			backoff.WithContext(bo, ctx),
			func(err error, wait time.Duration) {
				log.Warn().Err(err).Str("module", "signal").Dur("retry_in", wait).Msg("dial failed")
			},
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		bo.Reset()

		c.connected.Store(true)
		log.Info().Str("module", "signal").Str("url", c.URL).Bool("reconnected", reconnected).Msg("signaling connected")
		if c.OnConnected != nil {
			c.OnConnected(reconnected)
		}
		reconnected = true

		c.serve(ctx, ws)
		c.connected.Store(false)
		c.limiter.Forget()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("module", "signal").Msg("signaling connection lost, reconnecting")
	}
}

// dial opens the socket and registers Self before any queued traffic.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, err
	}
	reg, err := json.Marshal(domain.Message{Type: domain.TypeRegister, From: c.Self})
	if err != nil {
		_ = ws.Close()
		return nil, backoff.Permanent(err)
	}
	if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout())); err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, reg); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return ws, nil
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.writePump(ctx, ws)
	})
	c.readPump(ctx, ws)
	cancel()
	wg.Wait()
}

func (c *Client) writeTimeout() time.Duration {
	if c.Cfg.WriteTimeout > 0 {
		return c.Cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (c *Client) pingPeriod() time.Duration {
	if c.Cfg.PingPeriod > 0 {
		return c.Cfg.PingPeriod
	}
	return 54 * time.Second
}
