package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/domain"
)

// SetupRouter wires the websocket endpoint and the call lifecycle REST
// surface consumed by internal/api.
func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api.POST("/calls", ctl.createCall)
	api.POST("/calls/:id/join", ctl.joinCall)
	api.POST("/calls/:id/end", ctl.endCall)
	api.GET("/calls/:id/state", ctl.callState)

	log.Info().Str("module", "hub.router").Msg("router setup")
	return r
}

type lifecycleReq struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

func (ctl *Controller) createCall(c *gin.Context) {
	var req lifecycleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id := ctl.registry.CreateCall(req.ParticipantID)
	c.JSON(http.StatusCreated, gin.H{"call_id": id})
}

func (ctl *Controller) joinCall(c *gin.Context) {
	var req lifecycleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id := domain.CallID(c.Param("id"))
	if _, ok := ctl.registry.Creator(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrCallNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id})
}

func (ctl *Controller) endCall(c *gin.Context) {
	var req lifecycleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id := domain.CallID(c.Param("id"))
	err := ctl.registry.EndCall(id, req.ParticipantID)
	switch {
	case errors.Is(err, ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotCreator):
		log.Warn().
			Str("module", "hub").
			Str("call_id", string(id)).
			Int64("participant_id", int64(req.ParticipantID)).
			Msg("end call rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"call_id": id, "status": domain.CallEnded.String()})
	}
}

func (ctl *Controller) callState(c *gin.Context) {
	id := domain.CallID(c.Param("id"))
	snap, err := ctl.registry.Snapshot(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}
