package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cid core.ClientID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(cid)).Msg("readPump closing")
		ctl.Detach(context.WithoutCancel(ctx), cid)
		ctl.Orch.Metrics.ConnectionsOpen.Dec()
		c.Close()
	}()

	pongWait := ctl.cfg.pongWait()
	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("sid", string(cid)).Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(cid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.HandleFrame(ctx, cid, c, data)
	}
}

// HandleFrame dispatches one client message. Every failure is answered with
// an error envelope on conn; the connection stays open.
func (ctl *SignalWSController) HandleFrame(ctx context.Context, cid core.ClientID, conn core.SignalConnection, data []byte) {
	env, err := core.ParseEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cid)).Msg("bad frame")
		ctl.sendError(conn, "", err)
		return
	}

	switch {
	case env.Type == core.MsgJoin:
		ctl.handleJoin(ctx, cid, conn, env)
	case env.Type == core.MsgLeave:
		ctl.handleLeave(ctx, cid, conn, env)
	case env.Type == core.MsgEnd:
		ctl.handleEnd(ctx, cid, conn, env)
	case env.Type == core.MsgPing:
		ctl.handlePing(conn, env)
	case env.Type.IsNegotiation():
		ctl.handleNegotiation(cid, conn, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(conn, env.SessionID, fmt.Errorf("%w: unexpected message type %q", domain.ErrProtocolViolation, env.Type))
	}
}

func (ctl *SignalWSController) sendError(conn core.SignalConnection, sessionID domain.SessionID, err error) {
	ctl.send(conn, core.ErrorEnvelope(sessionID, err))
}

func (ctl *SignalWSController) send(conn core.SignalConnection, env core.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(env.Type)).Msg("send")
	}
}
