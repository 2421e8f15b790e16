package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller is the slice of the orchestrator the control API drives.
type Controller interface {
	Snapshot() orch.Snapshot
	Presentation() app.PresentationState
	Connect(ctx context.Context, partner domain.Partner, initiator bool) error
	Stop()
	Next()
	SetForeground(fg bool)
	SetLocalVideo(ctx context.Context, enabled bool) error
}

var _ Controller = (*orch.Orchestrator)(nil)

const viewGenerationKey = "view_generation"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type connectRequest struct {
	PeerID    string `json:"peer_id" binding:"required"`
	RoomID    string `json:"room_id"`
	Initiator bool   `json:"initiator"`
}

type videoRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func SetupRouter(cfg *config.Config, ctl Controller, bus *app.Bus) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceCallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Snapshot())
	})

	// GET /api/presentation reports whether the view changed since this
	// client last asked.
	api.GET("/presentation", func(c *gin.Context) {
		st := ctl.Presentation()
		session := sessions.Default(c)
		seen, ok := session.Get(viewGenerationKey).(uint64)
		session.Set(viewGenerationKey, st.ViewGeneration)
		if err := session.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		c.JSON(http.StatusOK, gin.H{
			"presentation": st,
			"changed":      !ok || seen != st.ViewGeneration,
		})
	})

	call := api.Group("/call")
	call.POST("/connect", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid peer_id"})
			return
		}
		partner, err := domain.NewPartner(domain.PeerID(req.PeerID), domain.RoomID(req.RoomID))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ctl.Connect(c.Request.Context(), *partner, req.Initiator); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("peer", req.PeerID).Msg("connect failed")
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"call_id": partner.CallID})
	})
	call.POST("/stop", func(c *gin.Context) {
		ctl.Stop()
		c.Status(http.StatusNoContent)
	})
	call.POST("/next", func(c *gin.Context) {
		ctl.Next()
		c.Status(http.StatusNoContent)
	})

	api.POST("/app/foreground", func(c *gin.Context) {
		ctl.SetForeground(true)
		c.Status(http.StatusNoContent)
	})
	api.POST("/app/background", func(c *gin.Context) {
		ctl.SetForeground(false)
		c.Status(http.StatusNoContent)
	})

	api.POST("/media/video", func(c *gin.Context) {
		var req videoRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing enabled"})
			return
		}
		if err := ctl.SetLocalVideo(c.Request.Context(), *req.Enabled); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/events", func(c *gin.Context) {
		streamEvents(c, bus)
	})

	return r
}

// streamEvents forwards bus events as server-sent events until the client
// goes away. Events are dropped for a client that cannot keep up.
func streamEvents(c *gin.Context, bus *app.Bus) {
	ch := make(chan app.Event, 32)
	unsubscribe := bus.Subscribe(func(ev app.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("event stream open")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent(ev.EventName(), ev)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNoMedia), errors.Is(err, core.ErrAttachFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrStaleGeneration), errors.Is(err, core.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, app.ErrNotBound):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}
