package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/app"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/metrics"
)

const (
	sessionID    domain.SessionID = "s1"
	serviceToken                  = "relay-token"
)

// listGate admits the tutor and everyone in allowed.
type listGate struct {
	allowed map[domain.ParticipantID]bool
}

func (g listGate) Authorize(_ context.Context, id domain.SessionID, p domain.ParticipantID) (domain.SessionInfo, error) {
	if p != "tutor" && !g.allowed[p] {
		return domain.SessionInfo{}, domain.ErrNotAuthorized
	}
	return domain.SessionInfo{ID: id, InitiatorID: "tutor", State: domain.SessionCreated}, nil
}

type relay struct {
	srv  *httptest.Server
	orch *orch.Orchestrator
	url  string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(1),
		Policy:   app.SimplePolicy{},
		Gate:     listGate{allowed: map[domain.ParticipantID]bool{"student": true}},
		Metrics:  metrics.New(prometheus.NewRegistry()),

		ReconnectGrace: 300 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := signal.NewSignalWSController(o, nil, signal.ControllerConfig{})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if c.GetHeader(signal.ServiceTokenHeader) != serviceToken {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("participant_id", c.GetHeader(signal.ParticipantHeader))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relay{srv: srv, orch: o, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (r *relay) dial(t *testing.T, who domain.ParticipantID, attempts int) *signal.Client {
	t.Helper()
	c, err := signal.Dial(context.Background(), signal.ClientConfig{
		URL:               r.url,
		Participant:       who,
		ServiceToken:      serviceToken,
		ReconnectAttempts: attempts,
		ReconnectBackoff:  20 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// kick drops every relay connection of participant.
func (r *relay) kick(participant domain.ParticipantID) {
	for _, snap := range r.orch.Registry.MembersOfRoom(sessionID) {
		if snap.Session.Meta().ID == participant {
			r.orch.Registry.Cancel(snap.CID)
		}
	}
}

type inbox struct {
	ch chan core.Envelope
}

func subscribe(c *signal.Client) *inbox {
	in := &inbox{ch: make(chan core.Envelope, 32)}
	c.Subscribe(func(env core.Envelope) { in.ch <- env })
	return in
}

func (in *inbox) next(t *testing.T, want core.MessageType) core.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-in.ch:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []core.ChannelState
	errs   []error
	ch     chan core.ChannelState
}

func watch(c *signal.Client) *stateLog {
	l := &stateLog{ch: make(chan core.ChannelState, 8)}
	c.OnState(func(s core.ChannelState, err error) {
		l.mu.Lock()
		l.states = append(l.states, s)
		l.errs = append(l.errs, err)
		l.mu.Unlock()
		l.ch <- s
	})
	return l
}

func (l *stateLog) wait(t *testing.T, want core.ChannelState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-l.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for channel state %s", want)
		}
	}
}

func TestClientJoinAndRelay(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	tutor := r.dial(t, "tutor", 0)
	student := r.dial(t, "student", 0)
	tutorIn := subscribe(tutor)
	studentIn := subscribe(student)

	ack, err := tutor.Join(ctx, sessionID, domain.RoleInitiator)
	require.NoError(t, err)
	assert.Empty(t, ack.Peers)

	ack, err = student.Join(ctx, sessionID, domain.RoleJoiner)
	require.NoError(t, err)
	require.Len(t, ack.Peers, 1)
	assert.Equal(t, domain.RoleInitiator, ack.Peers[0].Role)
	tutorIn.next(t, core.MsgPeerJoined)

	for i := 0; i < 3; i++ {
		env, err := core.NewNegotiation(core.MsgCandidate, sessionID, map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, tutor.Send(ctx, env))
	}
	for i := 0; i < 3; i++ {
		got := studentIn.next(t, core.MsgCandidate)
		var payload map[string]int
		require.NoError(t, json.Unmarshal(got.Payload, &payload))
		assert.Equal(t, i, payload["n"], "per-sender order is preserved")
		assert.Equal(t, domain.ParticipantID("tutor"), got.From)
	}

	require.NoError(t, student.Leave(ctx, sessionID))
	tutorIn.next(t, core.MsgPeerLeft)
}

func TestClientJoinRejected(t *testing.T) {
	r := newRelay(t)
	intruder := r.dial(t, "intruder", 0)

	_, err := intruder.Join(context.Background(), sessionID, domain.RoleJoiner)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestClientReconnectsAndRejoins(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	tutor := r.dial(t, "tutor", 5)
	student := r.dial(t, "student", 5)
	studentIn := subscribe(student)
	states := watch(student)

	_, err := tutor.Join(ctx, sessionID, domain.RoleInitiator)
	require.NoError(t, err)
	_, err = student.Join(ctx, sessionID, domain.RoleJoiner)
	require.NoError(t, err)

	tutorIn := subscribe(tutor)
	r.kick("student")
	states.wait(t, core.ChannelRestored)

	env, err := core.NewNegotiation(core.MsgOffer, sessionID, map[string]string{"sdp": "v=0"})
	require.NoError(t, err)
	require.NoError(t, tutor.Send(ctx, env))
	studentIn.next(t, core.MsgOffer)

	// The resumed seat is not announced as a departure or a new arrival.
	time.Sleep(400 * time.Millisecond)
	for len(tutorIn.ch) > 0 {
		got := <-tutorIn.ch
		assert.NotEqual(t, core.MsgPeerLeft, got.Type)
		assert.NotEqual(t, core.MsgPeerJoined, got.Type)
	}
	room, ok := r.orch.Rooms.GetRoom(sessionID)
	require.True(t, ok)
	assert.Equal(t, 2, room.MemberCount())
}

func TestClientGoneAfterGraceIsAnnounced(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	tutor := r.dial(t, "tutor", 0)
	student := r.dial(t, "student", 0)
	tutorIn := subscribe(tutor)

	_, err := tutor.Join(ctx, sessionID, domain.RoleInitiator)
	require.NoError(t, err)
	_, err = student.Join(ctx, sessionID, domain.RoleJoiner)
	require.NoError(t, err)
	tutorIn.next(t, core.MsgPeerJoined)

	start := time.Now()
	r.kick("student")
	left := tutorIn.next(t, core.MsgPeerLeft)
	assert.Equal(t, domain.ParticipantID("student"), left.From)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestClientReportsLostChannel(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	student := r.dial(t, "student", 2)
	states := watch(student)
	_, err := student.Join(ctx, sessionID, domain.RoleJoiner)
	require.NoError(t, err)

	r.srv.Close()
	r.kick("student")
	states.wait(t, core.ChannelLost)

	states.mu.Lock()
	lastErr := states.errs[len(states.errs)-1]
	states.mu.Unlock()
	require.ErrorIs(t, lastErr, domain.ErrTransportDisconnected)
	require.ErrorIs(t, student.Send(ctx, core.Envelope{Type: core.MsgPing}), domain.ErrTransportDisconnected)
}
