package signal

import (
	"context"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, cid core.ClientID, conn core.SignalConnection, env core.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(cid)).Str("session", string(env.SessionID)).
		Str("role", string(env.Role)).Bool("resume", env.Resume).Msg("join")
	join := ctl.Orch.Join
	if env.Resume {
		join = ctl.Orch.Rejoin
	}
	ack, err := join(ctx, cid, env.SessionID, env.Role)
	if err != nil {
		ctl.sendError(conn, env.SessionID, err)
		return
	}
	ctl.send(conn, ack)
}

// handleLeave drops room membership; the connection itself stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, cid core.ClientID, conn core.SignalConnection, env core.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(cid)).Msg("leave")
	ctl.Orch.Leave(ctx, cid)
	ctl.send(conn, core.Envelope{Type: core.MsgLeft, SessionID: env.SessionID})
}

func (ctl *SignalWSController) handleEnd(ctx context.Context, cid core.ClientID, conn core.SignalConnection, env core.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(cid)).Str("session", string(env.SessionID)).Msg("end session")
	if err := ctl.Orch.End(ctx, cid); err != nil {
		ctl.sendError(conn, env.SessionID, err)
		return
	}
	ctl.send(conn, core.Envelope{Type: core.MsgSessionEnded, SessionID: env.SessionID})
}
