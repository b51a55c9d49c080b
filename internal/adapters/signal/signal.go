package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// ControllerConfig tunes the per-connection pumps.
type ControllerConfig struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// pongWait is how long a connection may stay silent before the read pump
// gives up on it.
func (c ControllerConfig) pongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *ParticipantRateLimiter
	cfg     ControllerConfig
}

func NewSignalWSController(o *orch.Orchestrator, limiter *ParticipantRateLimiter, cfg ControllerConfig) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		cfg:     cfg.withDefaults(),
	}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either side
// goes away. The participant identity is resolved by the HTTP layer.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.ParticipantID(c.GetString("participant_id"))
	p, err := domain.NewParticipant(pid, "")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if name := c.Query("name"); name != "" {
		if err := p.SetDisplayName(name); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	cid := core.ClientID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(cid)).Str("participant", string(pid)).Msg("new WS connection")

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}
	connCtx := ctl.Attach(ctx, cid, p, conn)
	ctl.Orch.Metrics.ConnectionsOpen.Inc()

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, cid, conn)
}

// Attach registers conn as the transport of participant p under cid. The
// returned context is canceled when the relay drops the connection.
func (ctl *SignalWSController) Attach(ctx context.Context, cid core.ClientID, p *domain.Participant, conn core.SignalConnection) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(cid, core.NewMemberSession(p, conn), cancel)
	return ctx
}

// Detach runs the disconnect path for cid: room membership is dropped and the
// remaining members are told.
func (ctl *SignalWSController) Detach(ctx context.Context, cid core.ClientID) {
	if sess, ok := ctl.Orch.Registry.GetSession(cid); ok && ctl.Limiter != nil {
		ctl.Limiter.Forget(sess.Meta().ID)
	}
	ctl.Orch.OnDisconnect(ctx, cid)
}
