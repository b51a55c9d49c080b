package orch

import (
	"context"
	"time"

	"github.com/dkeye/Lesson/internal/app"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Orchestrator owns the relay's room semantics: who may join which room, and
// which room members receive a message. It never decodes negotiation payloads.
type Orchestrator struct {
	Registry  *app.Registry
	Rooms     core.RoomManager
	Policy    app.Policy
	Gate      core.AuthorizationGate
	Directory core.SessionDirectory
	Metrics   *metrics.Metrics
	// ReconnectGrace is how long a dropped connection keeps its seat. Zero
	// makes a drop an immediate leave.
	ReconnectGrace time.Duration
}

// Relay forwards a negotiation message to every other member of the sender's
// room. The payload is passed through untouched; only From is stamped.
func (o *Orchestrator) Relay(cid core.ClientID, env core.Envelope) error {
	sessionID, sess, ok := o.Registry.RoomOf(cid)
	if !ok || sessionID != env.SessionID {
		return domain.ErrNotJoined
	}
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	switch room.Session().State {
	case domain.SessionEnded:
		return domain.ErrSessionEnded
	case domain.SessionCreated:
		return domain.ErrSessionInactive
	}

	env.From = sess.Meta().ID
	env.Role = sess.Meta().Role
	env.Peers = nil
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	o.publish(room, cid, frame)
	o.Metrics.MessagesRelayed.WithLabelValues(string(env.Type)).Inc()
	return nil
}

func (o *Orchestrator) broadcast(room core.RoomService, from core.ClientID, env core.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	o.publish(room, from, frame)
}

func (o *Orchestrator) publish(room core.RoomService, from core.ClientID, frame core.Frame) {
	res := room.Broadcast(from, frame)
	if len(res.Dropped) == 0 {
		return
	}
	o.Metrics.MessagesDropped.Add(float64(len(res.Dropped)))
	if o.Policy == nil {
		return
	}
	sessionID := room.Session().ID
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			for _, snap := range o.Registry.MembersOfRoom(sessionID) {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("cid", string(snap.CID)).Str("session", string(sessionID)).Msg("kicking slow member")
					// The read pump observes the cancel and runs OnDisconnect.
					o.Registry.Cancel(snap.CID)
				}
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// OnDisconnect runs when a signaling connection goes away without an explicit
// leave. The seat is held for ReconnectGrace so the participant can resume on
// a new connection; the others hear peer-left only once the window expires.
func (o *Orchestrator) OnDisconnect(ctx context.Context, cid core.ClientID) {
	defer o.Registry.Unbind(cid)
	if o.ReconnectGrace <= 0 {
		o.Leave(ctx, cid)
		return
	}
	sessionID, _, ok := o.Registry.RoomOf(cid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(cid)
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return
	}
	if _, ok := room.Hold(cid); !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	time.AfterFunc(o.ReconnectGrace, func() { o.expireSeat(ctx, sessionID, cid) })
}

func (o *Orchestrator) expireSeat(ctx context.Context, sessionID domain.SessionID, cid core.ClientID) {
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return
	}
	ms, ok := room.Release(cid)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("cid", string(cid)).Str("session", string(sessionID)).Msg("reconnect grace expired")
	o.departed(ctx, room, cid, ms)
}
