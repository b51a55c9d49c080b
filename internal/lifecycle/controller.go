// Package lifecycle drives one participant through a tutoring session: it
// creates or authorizes the session, joins the relay room with an explicit
// role and owns the peer connection manager for the session's duration.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/peer"
	"github.com/rs/zerolog/log"
)

const leaveTimeout = 5 * time.Second

var ErrNotStarted = errors.New("lifecycle: session not started")

type Config struct {
	Participant domain.ParticipantID
	Role        domain.Role

	Gate core.AuthorizationGate
	// Directory creates session records. Only an initiator needs it.
	Directory core.SessionDirectory
	Channel   core.SignalingChannel

	Media              core.MediaSource
	Constraints        core.Constraints
	NewPeer            core.PeerFactory
	Sink               core.MediaSink
	NegotiationTimeout time.Duration
}

type Controller struct {
	cfg Config

	mu      sync.Mutex
	info    domain.SessionInfo
	mgr     *peer.Manager
	started bool
	ending  bool
	release sync.Once

	released chan struct{}
}

func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Participant == "":
		return nil, domain.ErrParticipantIDEmpty
	case !cfg.Role.Valid():
		return nil, fmt.Errorf("lifecycle: invalid role %q", cfg.Role)
	case cfg.Gate == nil || cfg.Channel == nil:
		return nil, errors.New("lifecycle: gate and channel are required")
	}
	return &Controller{cfg: cfg, released: make(chan struct{})}, nil
}

// Create records a new session with the caller as initiator.
func (c *Controller) Create(ctx context.Context) (domain.SessionID, error) {
	if c.cfg.Role != domain.RoleInitiator {
		return "", fmt.Errorf("%w: only an initiator creates sessions", domain.ErrProtocolViolation)
	}
	if c.cfg.Directory == nil {
		return "", errors.New("lifecycle: no session directory configured")
	}
	info, err := c.cfg.Directory.CreateSession(ctx, c.cfg.Participant)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("module", "lifecycle").Str("session", string(info.ID)).
		Str("participant", string(c.cfg.Participant)).Msg("session created")
	return info.ID, nil
}

// Start authorizes the participant, joins the room and starts negotiating.
// Nothing is acquired unless both the gate and the relay admit the caller.
// ctx bounds the whole session, not just the call.
func (c *Controller) Start(ctx context.Context, sessionID domain.SessionID) (domain.SessionInfo, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return domain.SessionInfo{}, peer.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	info, err := c.authorize(ctx, sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}

	mgr, err := peer.NewManager(peer.Config{
		SessionID:          sessionID,
		Participant:        c.cfg.Participant,
		Role:               c.cfg.Role,
		Channel:            c.cfg.Channel,
		Media:              c.cfg.Media,
		Constraints:        c.cfg.Constraints,
		NewPeer:            c.cfg.NewPeer,
		Sink:               c.cfg.Sink,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
	})
	if err != nil {
		return domain.SessionInfo{}, err
	}
	// Listen before joining so an offer sent right after our join is not lost.
	if err := mgr.Listen(ctx); err != nil {
		return domain.SessionInfo{}, err
	}
	ack, err := c.cfg.Channel.Join(ctx, sessionID, c.cfg.Role)
	if err != nil {
		mgr.Close()
		return domain.SessionInfo{}, joinError(err)
	}
	if len(ack.Peers) > 0 {
		mgr.PeerPresent()
	}

	c.mu.Lock()
	c.info, c.mgr = info, mgr
	c.mu.Unlock()
	if err := mgr.Start(ctx); err != nil {
		c.teardown()
		return domain.SessionInfo{}, err
	}
	go func() {
		<-mgr.Ended()
		c.teardown()
	}()
	log.Info().Str("module", "lifecycle").Str("session", string(sessionID)).
		Str("participant", string(c.cfg.Participant)).Str("role", string(c.cfg.Role)).
		Int("peers", len(ack.Peers)).Msg("session started")
	return info, nil
}

func (c *Controller) authorize(ctx context.Context, sessionID domain.SessionID) (domain.SessionInfo, error) {
	info, err := c.cfg.Gate.Authorize(ctx, sessionID, c.cfg.Participant)
	if err != nil {
		log.Warn().Err(err).Str("module", "lifecycle").Str("session", string(sessionID)).
			Str("participant", string(c.cfg.Participant)).Msg("authorization failed")
		return domain.SessionInfo{}, err
	}
	switch {
	case info.State == domain.SessionEnded:
		return domain.SessionInfo{}, domain.ErrSessionEnded
	case c.cfg.Role == domain.RoleInitiator && info.InitiatorID != c.cfg.Participant:
		return domain.SessionInfo{}, fmt.Errorf("%w: %s is not the session initiator", domain.ErrNotAuthorized, c.cfg.Participant)
	case c.cfg.Role == domain.RoleJoiner && info.InitiatorID == c.cfg.Participant:
		return domain.SessionInfo{}, fmt.Errorf("%w: the initiator cannot join as joiner", domain.ErrProtocolViolation)
	}
	return info, nil
}

// joinError maps relay rejections onto the failure taxonomy. A second
// initiator, or a second connection of the same participant, breaks the role
// contract.
func joinError(err error) error {
	if errors.Is(err, domain.ErrInitiatorTaken) || errors.Is(err, domain.ErrAlreadyJoined) {
		return fmt.Errorf("%w: %w", domain.ErrProtocolViolation, err)
	}
	return err
}

// Leave hangs up and drops room membership. Safe from any state and
// idempotent.
func (c *Controller) Leave(ctx context.Context) error {
	mgr := c.manager()
	if mgr == nil {
		return ErrNotStarted
	}
	mgr.HangUp()
	return c.waitReleased(ctx)
}

// End terminates the session for every participant. Initiator only.
func (c *Controller) End(ctx context.Context) error {
	if c.cfg.Role != domain.RoleInitiator {
		return fmt.Errorf("%w: only the initiator may end the session", domain.ErrProtocolViolation)
	}
	mgr := c.manager()
	if mgr == nil {
		return ErrNotStarted
	}
	c.mu.Lock()
	c.ending = true
	sessionID := c.info.ID
	c.mu.Unlock()

	err := c.cfg.Channel.Send(ctx, core.Envelope{Type: core.MsgEnd, SessionID: sessionID})
	if err != nil {
		log.Warn().Err(err).Str("module", "lifecycle").Str("session", string(sessionID)).Msg("end-session not delivered")
	}
	mgr.EndSession()
	if werr := c.waitReleased(ctx); werr != nil {
		return werr
	}
	return err
}

// Wait blocks until the session is over and returns why it ended.
func (c *Controller) Wait(ctx context.Context) error {
	mgr := c.manager()
	if mgr == nil {
		return ErrNotStarted
	}
	if err := c.waitReleased(ctx); err != nil {
		return err
	}
	return mgr.Status().Reason
}

// Manager exposes the peer manager for toggles and status. Nil before Start.
func (c *Controller) Manager() *peer.Manager { return c.manager() }

func (c *Controller) Session() domain.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Done is closed once every resource of the session has been released.
func (c *Controller) Done() <-chan struct{} { return c.released }

func (c *Controller) manager() *peer.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr
}

func (c *Controller) waitReleased(ctx context.Context) error {
	select {
	case <-c.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown leaves the room unless the relay already dissolved it, then
// closes the manager.
func (c *Controller) teardown() {
	c.release.Do(func() {
		c.mu.Lock()
		mgr, sessionID, ending := c.mgr, c.info.ID, c.ending
		c.mu.Unlock()

		reason := mgr.Status().Reason
		if !ending && !errors.Is(reason, domain.ErrSessionEnded) {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := c.cfg.Channel.Leave(ctx, sessionID); err != nil {
				log.Debug().Err(err).Str("module", "lifecycle").Str("session", string(sessionID)).Msg("leave")
			}
			cancel()
		}
		mgr.Close()
		log.Info().Str("module", "lifecycle").Str("session", string(sessionID)).
			Str("role", string(c.cfg.Role)).AnErr("reason", reason).Msg("session released")
		close(c.released)
	})
}
