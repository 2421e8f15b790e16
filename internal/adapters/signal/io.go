package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case data := <-c.out:
			if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout())); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout())); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	defer log.Info().Str("module", "signal").Msg("readPump closing")

	if c.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.Cfg.ReadLimit)
	}
	pongWait := c.pingPeriod() * 10 / 9
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleSignal(data)
	}
}

func (c *Client) handleSignal(data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch msg.Type {
	case domain.TypeOffer, domain.TypeAnswer, domain.TypeCandidate, domain.TypePresenceToggle:
	case domain.TypeRegister:
		return
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
		return
	}

	if !c.limiter.Allow(msg.From) {
		log.Warn().Str("module", "signal").Str("from", string(msg.From)).Msg("rate limited")
		return
	}
	if c.Deliver == nil {
		return
	}
	if !c.Deliver(msg) {
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("inbox full, message dropped")
	}
}
