package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
)

const (
	sessionName   = "PeerCallSessions"
	sessionUserID = "user_id"

	ctxUserID = "user_id"
	ctxOrch   = "orch"
)

// Deps are the application services the router exposes.
type Deps struct {
	Hub      *orch.Hub
	Profiles *app.Profiles
	Limiter  *ActionLimiter
}

type server struct {
	ctx  context.Context
	cfg  *config.Config
	deps Deps
}

// SetupRouter builds the HTTP surface. ctx bounds the orchestrators started
// on sign-in.
func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no session secret configured, sessions will not survive restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	s := &server{ctx: ctx, cfg: cfg, deps: deps}
	api := r.Group("/api")
	api.POST("/session", s.signIn)

	authed := api.Group("", s.requireIdentity())
	authed.DELETE("/session", s.signOut)
	authed.GET("/profiles/:id", s.profile)
	authed.PUT("/profile/avatar", s.setAvatar)
	authed.GET("/calls/state", s.state)
	authed.GET("/ws/state", s.stateStream)

	actions := authed.Group("/calls", s.rateLimit())
	actions.POST("", s.initiate)
	actions.POST("/accept", s.accept)
	actions.POST("/reject", s.reject)
	actions.POST("/end", s.end)
	actions.POST("/audio", s.toggleAudio)
	actions.POST("/video", s.toggleVideo)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
