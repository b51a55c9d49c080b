package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/dkeye/Lesson/internal/adapters/backend"
	"github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/config"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	participantKey = "participant_id"
	serviceKey     = "service"
)

// ParticipantMiddleware resolves the caller's identity from the session
// cookie; callers without one get a fresh identity remembered there. Only a
// caller holding the service token may name a participant instead, through
// the participant header or query parameter.
func ParticipantMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(backend.ServiceTokenHeader)
		service := secret != "" && token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
		c.Set(serviceKey, service)

		if service {
			pid := c.GetHeader(backend.ParticipantHeader)
			if pid == "" {
				pid = c.Query("participant")
			}
			if pid != "" {
				c.Set(participantKey, pid)
				c.Next()
				return
			}
		}

		sess := sessions.Default(c)
		pid, _ := sess.Get(participantKey).(string)
		if pid == "" {
			pid = string(domain.NewParticipantID())
			sess.Set(participantKey, pid)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session cookie")
			}
		}
		c.Set(participantKey, pid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctl *signal.SignalWSController, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("LessonSessions", store))
	r.Use(ParticipantMiddleware(cfg.Secret))

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"rooms":       len(o.Rooms.List()),
			"connections": o.Registry.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	h := &sessionHandlers{orch: o}
	api.GET("/me", h.me)
	api.POST("/sessions", h.create)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.DELETE("/sessions/:id", h.end)
	api.POST("/sessions/:id/participants", h.grant)
	api.POST("/sessions/:id/verify", h.verify)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("participant", c.GetString(participantKey)).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
