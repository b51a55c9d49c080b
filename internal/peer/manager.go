package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/adapters/media"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultNegotiationTimeout = 30 * time.Second

var ErrAlreadyStarted = errors.New("peer: manager already started")

type Config struct {
	SessionID   domain.SessionID
	Participant domain.ParticipantID
	Role        domain.Role
	// PeerPresent tells an initiator that the counterpart was already in the
	// room when it joined.
	PeerPresent bool

	Channel     core.SignalingChannel
	Media       core.MediaSource
	Constraints core.Constraints
	NewPeer     core.PeerFactory
	// Sink receives remote media. Optional.
	Sink core.MediaSink

	NegotiationTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.SessionID == "":
		return fmt.Errorf("peer: %w", domain.ErrSessionNotFound)
	case !c.Role.Valid():
		return fmt.Errorf("peer: invalid role %q", c.Role)
	case c.Channel == nil, c.Media == nil, c.NewPeer == nil:
		return errors.New("peer: channel, media source and peer factory are required")
	}
	return nil
}

// Status is what a UI renders for one manager.
type Status struct {
	Role          domain.Role
	Phase         Phase
	Reason        error
	AudioEnabled  bool
	VideoEnabled  bool
	HasVideo      bool
	SignalingLost bool
}

// Manager drives one peer connection through Transition. Every state change
// and every effect runs on a single loop goroutine; callbacks from pion and
// from the signaling channel only post events to it.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	ended  chan struct{}

	postMu sync.RWMutex
	exited bool

	statusSubs core.Subscribers[func(Status)]

	mu        sync.Mutex
	listening bool
	started   bool
	status    Status
	stream    core.LocalStream

	// Owned by the loop.
	ctx           context.Context
	cancel        context.CancelFunc
	state         State
	pending       []Event
	pc            core.PeerConnection
	queue         *CandidateQueue
	timer         *time.Timer
	subs          []core.Subscription
	cancelAcquire context.CancelFunc
	drains        sync.WaitGroup
	audio, video  bool
	endOnce       sync.Once
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	m := &Manager{
		cfg: cfg,
		log: log.With().Str("module", "peer").
			Str("session", string(cfg.SessionID)).
			Str("role", string(cfg.Role)).Logger(),
		events: make(chan Event, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
		state:  NewState(cfg.Role, cfg.PeerPresent),
		queue:  NewCandidateQueue(),
		audio:  cfg.Constraints.Audio,
		video:  cfg.Constraints.Video,
	}
	m.status = m.snapshot()
	return m, nil
}

// Listen subscribes to the channel and starts the loop without acquiring
// media. Messages that arrive before Start are buffered by the state machine.
func (m *Manager) Listen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenLocked(ctx)
}

func (m *Manager) listenLocked(ctx context.Context) error {
	if m.listening {
		return nil
	}
	if m.started {
		return domain.ErrManagerClosed
	}
	m.listening = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.subs = append(m.subs,
		m.cfg.Channel.Subscribe(m.onEnvelope),
		m.cfg.Channel.OnState(m.onChannelState),
	)
	go m.run()
	return nil
}

// Start begins acquiring media, listening first if needed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := m.listenLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	m.started = true
	m.mu.Unlock()
	m.post(Event{Kind: EvStart})
	return nil
}

// PeerPresent tells the manager the counterpart is in the room, as reported
// by a join acknowledgement.
func (m *Manager) PeerPresent() { m.post(Event{Kind: EvPeerJoined}) }

// HangUp tears the connection down with domain.ErrHangUp.
func (m *Manager) HangUp() { m.post(Event{Kind: EvHangUp}) }

// EndSession tears the connection down with domain.ErrSessionEnded, as if
// the relay had announced the end.
func (m *Manager) EndSession() { m.post(Event{Kind: EvSessionEnded}) }

// Close releases everything and waits for the loop to exit. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.listening {
		m.started, m.listening = true, true
		m.state.Phase = PhaseClosed
		m.state.Reason = domain.ErrManagerClosed
		m.status = m.snapshot()
		m.mu.Unlock()
		m.markEnded()
		m.exit()
		return
	}
	m.mu.Unlock()
	m.post(Event{Kind: EvClose})
	<-m.done
}

func (m *Manager) SetAudio(enabled bool) { m.post(Event{Kind: EvSetAudio, Enabled: enabled}) }
func (m *Manager) SetVideo(enabled bool) { m.post(Event{Kind: EvSetVideo, Enabled: enabled}) }
func (m *Manager) ToggleMute()           { m.post(Event{Kind: EvSetAudio, Toggle: true}) }
func (m *Manager) ToggleCamera()         { m.post(Event{Kind: EvSetVideo, Toggle: true}) }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers fn for every status change. Handlers run on the manager
// loop and must not call Close.
func (m *Manager) OnStatus(fn func(Status)) core.Subscription {
	return m.statusSubs.Add(fn)
}

// Ended is closed once the manager reaches disconnected or closed.
func (m *Manager) Ended() <-chan struct{} { return m.ended }

// Done is closed once the loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// ActiveLocalTracks counts local tracks that are still live.
func (m *Manager) ActiveLocalTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return 0
	}
	return m.stream.ActiveTracks()
}

// post returns false when the loop has already exited.
func (m *Manager) post(ev Event) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.exited {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

// exit stops accepting events and releases any stream that raced the
// shutdown.
func (m *Manager) exit() {
	close(m.quit)
	m.postMu.Lock()
	m.exited = true
	m.postMu.Unlock()
	for {
		select {
		case ev := <-m.events:
			if ev.Stream != nil {
				ev.Stream.Stop()
			}
		default:
			close(m.done)
			return
		}
	}
}

// emit queues a follow-up event from inside the loop.
func (m *Manager) emit(ev Event) { m.pending = append(m.pending, ev) }

func (m *Manager) run() {
	ctxDone := m.ctx.Done()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-ctxDone:
			ctxDone = nil
			m.handle(Event{Kind: EvHangUp})
		}
		if m.state.Phase == PhaseClosed {
			m.statusSubs.Clear()
			m.cancel()
			m.exit()
			return
		}
	}
}

func (m *Manager) handle(ev Event) {
	m.pending = append(m.pending[:0], ev)
	for len(m.pending) > 0 {
		ev := m.pending[0]
		m.pending = m.pending[1:]

		if ev.Kind == EvSetAudio || ev.Kind == EvSetVideo {
			m.applyToggle(ev)
			continue
		}

		prev := m.state.Phase
		next, effects := Transition(m.state, ev)
		m.state = next
		if next.Phase != prev {
			m.log.Info().Stringer("event", ev.Kind).Stringer("from", prev).Stringer("to", next.Phase).
				AnErr("reason", next.Reason).Msg("transition")
		} else {
			m.log.Debug().Stringer("event", ev.Kind).Stringer("phase", next.Phase).Msg("event")
		}
		for _, e := range effects {
			m.execute(ev, e)
		}
	}
}

func (m *Manager) execute(ev Event, e Effect) {
	switch e.Kind {
	case EffAcquireMedia:
		m.acquire()
	case EffCreatePeer:
		m.createPeer(ev.Stream)
	case EffSendOffer:
		m.sendOffer()
	case EffAnswerOffer:
		m.answerOffer(e.Payload)
	case EffApplyAnswer:
		m.applyAnswer(e.Payload)
	case EffQueueCandidate:
		m.queueCandidate(e.Payload)
	case EffFlushCandidates:
		m.flushCandidates()
	case EffSendCandidate:
		env := core.Envelope{Type: core.MsgCandidate, SessionID: m.cfg.SessionID, Payload: e.Payload}
		if err := m.cfg.Channel.Send(m.ctx, env); err != nil {
			m.log.Warn().Err(err).Msg("send candidate")
		}
	case EffDrainTrack:
		if ev.Track != nil && m.cfg.Sink != nil {
			m.drains.Add(1)
			go func(track core.RemoteTrack) {
				defer m.drains.Done()
				media.Drain(track, m.cfg.Sink)
			}(ev.Track)
		}
	case EffStartTimer:
		m.stopTimer()
		m.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
			m.post(Event{Kind: EvNegotiationTimeout})
		})
	case EffCancelTimer:
		m.stopTimer()
	case EffStopMedia:
		if ev.Kind == EvMediaReady && ev.Stream != nil && !m.owns(ev.Stream) {
			ev.Stream.Stop()
			return
		}
		m.releaseStream()
	case EffClosePeer:
		m.closePeer()
	case EffUnsubscribe:
		for _, s := range m.subs {
			s.Unsubscribe()
		}
		m.subs = nil
	case EffNotify:
		m.notify()
	}
}

func (m *Manager) acquire() {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelAcquire = cancel
	go func() {
		stream, err := m.cfg.Media.Acquire(ctx, m.cfg.Constraints)
		if err != nil {
			m.post(Event{Kind: EvMediaFailed, Err: err})
			return
		}
		if !m.post(Event{Kind: EvMediaReady, Stream: stream}) {
			stream.Stop()
		}
	}()
}

func (m *Manager) createPeer(stream core.LocalStream) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(webrtc.RTPCodecTypeAudio, m.audio)
		stream.SetEnabled(webrtc.RTPCodecTypeVideo, m.video)
	}

	pc, err := m.cfg.NewPeer()
	if err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	m.pc = pc
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		raw, err := json.Marshal(ci)
		if err != nil {
			return
		}
		m.post(Event{Kind: EvLocalCandidate, Payload: raw})
	})
	pc.OnTrack(func(track core.RemoteTrack) {
		m.post(Event{Kind: EvRemoteTrack, Track: track})
	})
	pc.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			m.post(Event{Kind: EvPeerFailed})
		}
	})
	if stream != nil {
		if err := pc.AddLocalStream(stream); err != nil {
			m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		}
	}
}

func (m *Manager) sendOffer() {
	if m.pc == nil {
		return
	}
	offer, err := m.pc.CreateOffer()
	if err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	if err := m.send(core.MsgOffer, offer); err != nil {
		m.emit(Event{Kind: EvTransportLost, Err: err})
		return
	}
	m.emit(Event{Kind: EvLocalDescriptionSent})
}

func (m *Manager) answerOffer(payload json.RawMessage) {
	if m.pc == nil {
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	answer, err := m.pc.ApplyOffer(offer)
	if err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	m.emit(Event{Kind: EvRemoteDescriptionApplied})
	if err := m.send(core.MsgAnswer, answer); err != nil {
		m.emit(Event{Kind: EvTransportLost, Err: err})
		return
	}
	m.emit(Event{Kind: EvLocalDescriptionSent})
}

func (m *Manager) applyAnswer(payload json.RawMessage) {
	if m.pc == nil {
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	if err := m.pc.ApplyAnswer(answer); err != nil {
		m.emit(Event{Kind: EvNegotiationFailed, Err: err})
		return
	}
	m.emit(Event{Kind: EvRemoteDescriptionApplied})
}

func (m *Manager) queueCandidate(payload json.RawMessage) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil || ci.Candidate == "" {
		m.log.Warn().Err(err).Msg("dropping malformed candidate")
		return
	}
	if !m.queue.Push(ci) {
		m.log.Debug().Str("candidate", ci.Candidate).Msg("duplicate candidate ignored")
	}
}

func (m *Manager) flushCandidates() {
	if m.pc == nil {
		return
	}
	for _, ci := range m.queue.Drain() {
		if err := m.pc.AddICECandidate(ci); err != nil {
			m.log.Warn().Err(err).Str("candidate", ci.Candidate).Msg("add candidate")
		}
	}
}

func (m *Manager) send(t core.MessageType, payload any) error {
	env, err := core.NewNegotiation(t, m.cfg.SessionID, payload)
	if err != nil {
		return err
	}
	return m.cfg.Channel.Send(m.ctx, env)
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) owns(s core.LocalStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream == s
}

func (m *Manager) releaseStream() {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

func (m *Manager) closePeer() {
	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close peer connection")
		}
		m.pc = nil
	}
	m.drains.Wait()
}

func (m *Manager) applyToggle(ev Event) {
	kind := webrtc.RTPCodecTypeAudio
	target := &m.audio
	if ev.Kind == EvSetVideo {
		kind = webrtc.RTPCodecTypeVideo
		target = &m.video
	}
	if ev.Toggle {
		*target = !*target
	} else {
		*target = ev.Enabled
	}
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s != nil {
		s.SetEnabled(kind, *target)
	}
	m.notify()
}

// snapshot must be called with mu held or before the loop starts.
func (m *Manager) snapshot() Status {
	st := Status{
		Role:          m.cfg.Role,
		Phase:         m.state.Phase,
		Reason:        m.state.Reason,
		AudioEnabled:  m.audio,
		VideoEnabled:  m.video,
		HasVideo:      m.cfg.Constraints.Video,
		SignalingLost: m.state.SignalingLost,
	}
	if m.stream != nil {
		st.HasVideo = m.stream.HasKind(webrtc.RTPCodecTypeVideo)
	}
	st.VideoEnabled = st.VideoEnabled && st.HasVideo
	return st
}

func (m *Manager) notify() {
	if m.state.Phase == PhaseDisconnected || m.state.Phase == PhaseClosed {
		m.markEnded()
	}
	m.mu.Lock()
	st := m.snapshot()
	m.status = st
	m.mu.Unlock()
	for _, fn := range m.statusSubs.Snapshot() {
		fn(st)
	}
}

func (m *Manager) markEnded() { m.endOnce.Do(func() { close(m.ended) }) }

func (m *Manager) onEnvelope(env core.Envelope) {
	if env.SessionID != "" && env.SessionID != m.cfg.SessionID {
		return
	}
	switch env.Type {
	case core.MsgOffer:
		m.post(Event{Kind: EvOfferReceived, Payload: env.Payload})
	case core.MsgAnswer:
		m.post(Event{Kind: EvAnswerReceived, Payload: env.Payload})
	case core.MsgCandidate:
		m.post(Event{Kind: EvRemoteCandidate, Payload: env.Payload})
	case core.MsgPeerJoined:
		m.post(Event{Kind: EvPeerJoined})
	case core.MsgPeerLeft:
		m.post(Event{Kind: EvPeerLeft})
	case core.MsgSessionEnded:
		m.post(Event{Kind: EvSessionEnded})
	case core.MsgError:
		err := core.ErrorFromCode(env.Code, env.Message)
		m.log.Warn().Err(err).Str("code", env.Code).Msg("relay error")
		if errors.Is(err, domain.ErrSessionEnded) {
			m.post(Event{Kind: EvSessionEnded})
			return
		}
		m.post(Event{Kind: EvRelayError, Err: err})
	}
}

func (m *Manager) onChannelState(st core.ChannelState, err error) {
	switch st {
	case core.ChannelLost:
		m.post(Event{Kind: EvTransportLost, Err: err})
	case core.ChannelRestored:
		m.post(Event{Kind: EvTransportRestored})
	case core.ChannelReconnecting:
		m.log.Warn().Err(err).Msg("signaling reconnecting")
	}
}
