package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lesson/internal/adapters/backend"
	"github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/app"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/config"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/metrics"
)

const testSecret = "test-secret"

type testServer struct {
	srv   *httptest.Server
	orch  *orch.Orchestrator
	store *backend.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := backend.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	o := &orch.Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     app.NewRoomManager(1),
		Policy:    app.SimplePolicy{},
		Gate:      store,
		Directory: store,
		Metrics:   metrics.New(reg),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := signal.NewSignalWSController(o, signal.NewParticipantRateLimiter(100, 100), signal.ControllerConfig{})
	cfg := &config.Config{Mode: "test", Secret: testSecret}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, ctl, reg))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, orch: o, store: store}
}

// client speaks for who, asserted with the service token.
func (ts *testServer) client(t *testing.T, who domain.ParticipantID) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(ts.srv.URL, who, time.Second)
	require.NoError(t, err)
	return c.WithServiceToken(testSecret)
}

// anon is a caller without a token; the relay's cookie names it.
func (ts *testServer) anon(t *testing.T) (*backend.Client, domain.ParticipantID) {
	t.Helper()
	c, err := backend.NewClient(ts.srv.URL, "", time.Second)
	require.NoError(t, err)
	id, err := c.Identity(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return c, id
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/ws/signal"
}

func (ts *testServer) dial(t *testing.T, who domain.ParticipantID) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(backend.ServiceTokenHeader, testSecret)
	header.Set(backend.ParticipantHeader, string(who))
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialAs opens the signaling socket with c's identity cookie.
func (ts *testServer) dialAs(t *testing.T, c *backend.Client) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Jar: c.Jar(), HandshakeTimeout: time.Second}
	conn, _, err := d.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env core.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func read(t *testing.T, conn *websocket.Conn) core.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env core.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	tutor, tutorID := ts.anon(t)
	student, studentID := ts.anon(t)
	require.NotEqual(t, tutorID, studentID)

	info, err := tutor.CreateSession(ctx, tutorID)
	require.NoError(t, err)
	assert.Equal(t, tutorID, info.InitiatorID)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.orch.Metrics.SessionsCreated))

	require.ErrorIs(t, student.Grant(ctx, info.ID, studentID, ""), domain.ErrNotAuthorized)
	require.NoError(t, tutor.Grant(ctx, info.ID, studentID, "Ada"))

	got, err := student.Authorize(ctx, info.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, string(tutorID), got.CounterpartName)

	_, err = student.Authorize(ctx, "missing", studentID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.ErrorIs(t, student.EndSession(ctx, info.ID), domain.ErrNotAuthorized)
	require.NoError(t, tutor.EndSession(ctx, info.ID))
	_, err = student.Authorize(ctx, info.ID, studentID)
	require.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestParticipantHeaderNeedsServiceToken(t *testing.T) {
	ts := newTestServer(t)
	me := func(header http.Header, query string) domain.ParticipantID {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/me"+query, nil)
		require.NoError(t, err)
		req.Header = header
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var id backend.Identity
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&id))
		return id.ParticipantID
	}

	forged := http.Header{}
	forged.Set(backend.ParticipantHeader, "tutor")
	assert.NotEqual(t, domain.ParticipantID("tutor"), me(forged, ""))
	assert.NotEqual(t, domain.ParticipantID("tutor"), me(http.Header{}, "?participant=tutor"))

	wrong := forged.Clone()
	wrong.Set(backend.ServiceTokenHeader, "nope")
	assert.NotEqual(t, domain.ParticipantID("tutor"), me(wrong, ""))

	service := forged.Clone()
	service.Set(backend.ServiceTokenHeader, testSecret)
	assert.Equal(t, domain.ParticipantID("tutor"), me(service, ""))

	// The cookie keeps naming the same participant.
	c, id := ts.anon(t)
	again, err := c.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestVerifyOtherParticipantNeedsServiceToken(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	info, err := ts.store.CreateSession(ctx, "tutor")
	require.NoError(t, err)
	require.NoError(t, ts.store.Grant(ctx, info.ID, "student", "Ada"))

	snoop, _ := ts.anon(t)
	_, err = snoop.Authorize(ctx, info.ID, "student")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	relay := ts.client(t, "relay")
	got, err := relay.Authorize(ctx, info.ID, "student")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("tutor"), got.InitiatorID)
	_, err = relay.Authorize(ctx, info.ID, "stranger")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestServiceTokenEndsForeignSession(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	info, err := ts.store.CreateSession(ctx, "tutor")
	require.NoError(t, err)

	relay := ts.client(t, "relay")
	require.NoError(t, relay.EndSession(ctx, info.ID))

	wrong := ts.client(t, "relay").WithServiceToken("nope")
	require.ErrorIs(t, wrong.EndSession(ctx, info.ID), domain.ErrNotAuthorized)
}

func TestSignalingOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	info, err := ts.store.CreateSession(ctx, "tutor")
	require.NoError(t, err)
	api, studentID := ts.anon(t)
	require.NoError(t, ts.store.Grant(ctx, info.ID, studentID, "Ada"))

	tutor := ts.dial(t, "tutor")
	student := ts.dialAs(t, api)

	send(t, tutor, core.Envelope{Type: core.MsgJoin, SessionID: info.ID, Role: domain.RoleInitiator})
	ack := read(t, tutor)
	require.Equal(t, core.MsgJoined, ack.Type)
	assert.Empty(t, ack.Peers)

	send(t, student, core.Envelope{Type: core.MsgJoin, SessionID: info.ID, Role: domain.RoleJoiner})
	ack = read(t, student)
	require.Equal(t, core.MsgJoined, ack.Type)
	require.Len(t, ack.Peers, 1)
	assert.Equal(t, domain.ParticipantID("tutor"), ack.Peers[0].ID)

	joined := read(t, tutor)
	assert.Equal(t, core.MsgPeerJoined, joined.Type)
	assert.Equal(t, studentID, joined.From)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, tutor, core.Envelope{Type: core.MsgOffer, SessionID: info.ID, Payload: offer})
	got := read(t, student)
	assert.Equal(t, core.MsgOffer, got.Type)
	assert.Equal(t, domain.ParticipantID("tutor"), got.From)
	assert.JSONEq(t, string(offer), string(got.Payload))

	resp, err := http.Get(ts.srv.URL + "/api/sessions/" + string(info.ID))
	require.NoError(t, err)
	var body struct {
		Session domain.Session   `json:"session"`
		Members []core.MemberDTO `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, domain.SessionActive, body.Session.State)
	assert.Len(t, body.Members, 2)

	send(t, student, core.Envelope{Type: core.MsgEnd, SessionID: info.ID})
	assert.Equal(t, core.CodeProtocolViolation, read(t, student).Code)

	send(t, tutor, core.Envelope{Type: core.MsgEnd, SessionID: info.ID})
	assert.Equal(t, core.MsgSessionEnded, read(t, student).Type)
	assert.Equal(t, core.MsgSessionEnded, read(t, tutor).Type)

	_, err = ts.store.Authorize(ctx, info.ID, studentID)
	require.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestSignalingRejectsUnauthorizedJoiner(t *testing.T) {
	ts := newTestServer(t)
	info, err := ts.store.CreateSession(context.Background(), "tutor")
	require.NoError(t, err)

	intruder := ts.dial(t, "intruder")
	send(t, intruder, core.Envelope{Type: core.MsgJoin, SessionID: info.ID, Role: domain.RoleJoiner})
	got := read(t, intruder)
	assert.Equal(t, core.MsgError, got.Type)
	assert.Equal(t, core.CodeNotAuthorized, got.Code)

	send(t, intruder, core.Envelope{Type: core.MsgCandidate, SessionID: info.ID, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, core.CodeNotJoined, read(t, intruder).Code)

	send(t, intruder, core.Envelope{Type: core.MsgPing})
	assert.Equal(t, core.MsgPong, read(t, intruder).Type)
}

func TestHealthzMetricsAndIdentityCookie(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "LessonSessions" {
			found = true
		}
	}
	assert.True(t, found, "anonymous callers get an identity cookie")

	mresp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	b, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "lesson_rooms_active")
}
