// Package testutil runs a real relay in-process and provides a fake peer
// network, so client-side components can be tested end to end without ICE.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/app"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/metrics"
)

// ListGate admits the initiator of every session and the listed joiners.
type ListGate struct {
	Initiator domain.ParticipantID
	Allowed   []domain.ParticipantID
}

func (g ListGate) Authorize(_ context.Context, id domain.SessionID, p domain.ParticipantID) (domain.SessionInfo, error) {
	info := domain.SessionInfo{ID: id, InitiatorID: g.Initiator, State: domain.SessionCreated}
	if p == g.Initiator {
		return info, nil
	}
	for _, a := range g.Allowed {
		if a == p {
			info.CounterpartName = string(g.Initiator)
			return info, nil
		}
	}
	return domain.SessionInfo{}, domain.ErrNotAuthorized
}

type Relay struct {
	Server *httptest.Server
	Orch   *orch.Orchestrator
	URL    string
}

// ServiceToken is what Dial presents so the relay trusts ParticipantHeader.
const ServiceToken = "relay-token"

// NewRelay serves the signaling endpoint on an httptest server. The
// participant identity comes from signal.ParticipantHeader. A dropped seat
// is held for a second.
func NewRelay(t *testing.T, gate core.AuthorizationGate) *Relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(1),
		Policy:   app.SimplePolicy{},
		Gate:     gate,
		Metrics:  metrics.New(prometheus.NewRegistry()),

		ReconnectGrace: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := signal.NewSignalWSController(o, nil, signal.ControllerConfig{})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if c.GetHeader(signal.ServiceTokenHeader) != ServiceToken {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("participant_id", c.GetHeader(signal.ParticipantHeader))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &Relay{Server: srv, Orch: o, URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

// Dial opens a signaling client for who. attempts bounds reconnection.
func (r *Relay) Dial(t *testing.T, who domain.ParticipantID, attempts int) *signal.Client {
	t.Helper()
	c, err := signal.Dial(context.Background(), signal.ClientConfig{
		URL:               r.URL,
		Participant:       who,
		ServiceToken:      ServiceToken,
		ReconnectAttempts: attempts,
		ReconnectBackoff:  20 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Kick drops every relay connection participant holds in sessionID.
func (r *Relay) Kick(sessionID domain.SessionID, participant domain.ParticipantID) {
	for _, snap := range r.Orch.Registry.MembersOfRoom(sessionID) {
		if snap.Session.Meta().ID == participant {
			r.Orch.Registry.Cancel(snap.CID)
		}
	}
}
