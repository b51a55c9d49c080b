package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join admits the connection cid into the room of sessionID with an explicit
// role and returns the acknowledgement for the caller.
func (o *Orchestrator) Join(ctx context.Context, cid core.ClientID, sessionID domain.SessionID, role domain.Role) (core.Envelope, error) {
	ack, err := o.join(ctx, cid, sessionID, role)
	if err != nil {
		o.Metrics.JoinsRejected.WithLabelValues(core.ErrorCode(err)).Inc()
		log.Warn().Err(err).Str("module", "orch").Str("cid", string(cid)).Str("session", string(sessionID)).
			Str("role", string(role)).Msg("join rejected")
	}
	return ack, err
}

// Rejoin is Join for a participant coming back on a new connection. The seat
// it still holds, live or within the grace window, moves to cid without a
// peer-joined announcement. Without a seat it is a plain Join.
func (o *Orchestrator) Rejoin(ctx context.Context, cid core.ClientID, sessionID domain.SessionID, role domain.Role) (core.Envelope, error) {
	ack, err := o.rejoin(ctx, cid, sessionID, role)
	if err != nil {
		o.Metrics.JoinsRejected.WithLabelValues(core.ErrorCode(err)).Inc()
		log.Warn().Err(err).Str("module", "orch").Str("cid", string(cid)).Str("session", string(sessionID)).
			Str("role", string(role)).Msg("rejoin rejected")
	}
	return ack, err
}

func (o *Orchestrator) join(ctx context.Context, cid core.ClientID, sessionID domain.SessionID, role domain.Role) (core.Envelope, error) {
	sess, info, err := o.admit(ctx, cid, sessionID, role)
	if err != nil {
		return core.Envelope{}, err
	}
	return o.seat(cid, sess, sessionID, info.InitiatorID, role)
}

func (o *Orchestrator) rejoin(ctx context.Context, cid core.ClientID, sessionID domain.SessionID, role domain.Role) (core.Envelope, error) {
	sess, info, err := o.admit(ctx, cid, sessionID, role)
	if err != nil {
		return core.Envelope{}, err
	}
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return o.seat(cid, sess, sessionID, info.InitiatorID, role)
	}
	p := sess.Meta()
	p.Role = role
	old, ok := room.Reclaim(cid, sess)
	if !ok {
		return o.seat(cid, sess, sessionID, info.InitiatorID, role)
	}
	// A predecessor that still looks alive is half-open; drop it.
	o.Registry.RemoveRoom(old)
	o.Registry.Cancel(old)
	o.Registry.UpdateRoom(cid, sessionID)
	log.Info().Str("module", "orch").Str("cid", string(cid)).Str("previous", string(old)).Str("session", string(sessionID)).
		Str("participant", string(p.ID)).Msg("resumed")
	return joinedAck(room, sessionID, p.ID, role), nil
}

// admit checks the caller's connection, the authorization gate and the role
// contract.
func (o *Orchestrator) admit(ctx context.Context, cid core.ClientID, sessionID domain.SessionID, role domain.Role) (core.MemberSession, domain.SessionInfo, error) {
	if !role.Valid() {
		return nil, domain.SessionInfo{}, fmt.Errorf("%w: unknown role %q", domain.ErrProtocolViolation, role)
	}
	sess, ok := o.Registry.GetSession(cid)
	if !ok {
		return nil, domain.SessionInfo{}, domain.ErrNotJoined
	}
	if current, _, ok := o.Registry.RoomOf(cid); ok {
		return nil, domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, current)
	}
	p := sess.Meta()

	info, err := o.Gate.Authorize(ctx, sessionID, p.ID)
	if err != nil {
		return nil, domain.SessionInfo{}, err
	}
	if info.State == domain.SessionEnded {
		return nil, domain.SessionInfo{}, domain.ErrSessionEnded
	}
	switch {
	case role == domain.RoleInitiator && info.InitiatorID != p.ID:
		return nil, domain.SessionInfo{}, fmt.Errorf("%w: only the session initiator may join as initiator", domain.ErrNotAuthorized)
	case role == domain.RoleJoiner && info.InitiatorID == p.ID:
		return nil, domain.SessionInfo{}, fmt.Errorf("%w: initiator cannot join as joiner", domain.ErrProtocolViolation)
	}
	return sess, info, nil
}

func (o *Orchestrator) seat(cid core.ClientID, sess core.MemberSession, sessionID domain.SessionID, initiator domain.ParticipantID, role domain.Role) (core.Envelope, error) {
	p := sess.Meta()
	_, existed := o.Rooms.GetRoom(sessionID)
	room := o.Rooms.GetOrCreate(sessionID, initiator)
	p.Role = role
	if err := room.AddMember(cid, sess); err != nil {
		if !existed && room.Seats() == 0 {
			o.Rooms.StopRoom(sessionID)
		}
		return core.Envelope{}, err
	}
	o.Metrics.RoomsActive.Set(float64(len(o.Rooms.List())))
	o.Registry.UpdateRoom(cid, sessionID)

	self := core.MemberDTO{ID: p.ID, DisplayName: p.DisplayName, Role: role, AudioEnabled: p.AudioEnabled, VideoEnabled: p.VideoEnabled}
	o.broadcast(room, cid, core.Envelope{
		Type:      core.MsgPeerJoined,
		SessionID: sessionID,
		From:      p.ID,
		Role:      role,
		Peers:     []core.MemberDTO{self},
	})

	ack := joinedAck(room, sessionID, p.ID, role)
	log.Info().Str("module", "orch").Str("cid", string(cid)).Str("session", string(sessionID)).
		Str("participant", string(p.ID)).Str("role", string(role)).Int("peers", len(ack.Peers)).Msg("joined")
	return ack, nil
}

func joinedAck(room core.RoomService, sessionID domain.SessionID, self domain.ParticipantID, role domain.Role) core.Envelope {
	peers := make([]core.MemberDTO, 0, 1)
	for _, m := range room.MembersSnapshot() {
		if m.ID != self {
			peers = append(peers, m)
		}
	}
	return core.Envelope{
		Type:      core.MsgJoined,
		SessionID: sessionID,
		Role:      role,
		Peers:     peers,
	}
}

// Leave drops cid's room membership and tells the remaining members. When
// the last seat goes, the room is dissolved.
func (o *Orchestrator) Leave(ctx context.Context, cid core.ClientID) {
	sessionID, _, ok := o.Registry.RoomOf(cid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(cid)
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return
	}
	ms, ok := room.RemoveMember(cid)
	if !ok {
		return
	}
	o.departed(ctx, room, cid, ms)
}

func (o *Orchestrator) departed(ctx context.Context, room core.RoomService, cid core.ClientID, ms core.MemberSession) {
	p := ms.Meta()
	sessionID := room.Session().ID
	o.broadcast(room, cid, core.Envelope{
		Type:      core.MsgPeerLeft,
		SessionID: sessionID,
		From:      p.ID,
		Role:      p.Role,
	})
	log.Info().Str("module", "orch").Str("cid", string(cid)).Str("session", string(sessionID)).Msg("left")

	if room.Seats() == 0 {
		o.dissolve(ctx, room)
	}
}

// dissolve drops an empty room. The session record ends only if the session
// went active; a room the initiator never entered just goes away.
func (o *Orchestrator) dissolve(ctx context.Context, room core.RoomService) {
	s := room.Session()
	if s.State == domain.SessionCreated {
		o.Rooms.StopRoom(s.ID)
		o.Metrics.RoomsActive.Set(float64(len(o.Rooms.List())))
		log.Info().Str("module", "orch").Str("session", string(s.ID)).Msg("room dissolved before the session started")
		return
	}
	o.stopRoom(ctx, s.ID, "empty")
}

// End is the initiator's explicit termination: every member receives
// session-ended and loses its membership.
func (o *Orchestrator) End(ctx context.Context, cid core.ClientID) error {
	sessionID, sess, ok := o.Registry.RoomOf(cid)
	if !ok {
		return domain.ErrNotJoined
	}
	if sess.Meta().Role != domain.RoleInitiator {
		return fmt.Errorf("%w: only the initiator may end the session", domain.ErrProtocolViolation)
	}
	o.EndSession(ctx, sessionID, cid, "initiator")
	return nil
}

// EndSession ends sessionID on behalf of from (empty for administrative ends).
func (o *Orchestrator) EndSession(ctx context.Context, sessionID domain.SessionID, from core.ClientID, cause string) bool {
	room, ok := o.Rooms.GetRoom(sessionID)
	if !ok {
		return false
	}
	room.End()
	o.broadcast(room, from, core.Envelope{Type: core.MsgSessionEnded, SessionID: sessionID})
	for _, snap := range o.Registry.MembersOfRoom(sessionID) {
		room.RemoveMember(snap.CID)
		o.Registry.RemoveRoom(snap.CID)
	}
	o.stopRoom(ctx, sessionID, cause)
	return true
}

func (o *Orchestrator) stopRoom(ctx context.Context, sessionID domain.SessionID, cause string) {
	o.Rooms.StopRoom(sessionID)
	o.Metrics.RoomsActive.Set(float64(len(o.Rooms.List())))
	o.Metrics.SessionsEnded.WithLabelValues(cause).Inc()
	if o.Directory != nil {
		if err := o.Directory.EndSession(ctx, sessionID); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("session", string(sessionID)).Msg("failed to end session record")
		}
	}
	log.Info().Str("module", "orch").Str("session", string(sessionID)).Str("cause", cause).Msg("session ended")
}
