package signal

import (
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleNegotiation relays offer/answer/ice-candidate without looking at the
// payload.
func (ctl *SignalWSController) handleNegotiation(cid core.ClientID, conn core.SignalConnection, env core.Envelope) {
	if sess, ok := ctl.Orch.Registry.GetSession(cid); ok && ctl.Limiter != nil {
		if !ctl.Limiter.Allow(sess.Meta().ID) {
			ctl.Orch.Metrics.RateLimitedTotal.Inc()
			ctl.sendError(conn, env.SessionID, domain.ErrRateLimited)
			return
		}
	}
	if err := ctl.Orch.Relay(cid, env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cid)).Str("type", string(env.Type)).Msg("relay rejected")
		ctl.sendError(conn, env.SessionID, err)
	}
}
