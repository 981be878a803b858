package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/adapters/signal"
	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/app/notify"
	"github.com/dkeye/Presence/internal/app/presence"
	"github.com/dkeye/Presence/internal/config"
)

// Services is what the router needs from the rest of the node.
type Services struct {
	Engine   *presence.Engine
	Notifier *notify.Notifier
	Registry *app.Registry
	Signal   *signal.SignalWSController
	// Health reports whether backing services are reachable.
	Health func(ctx context.Context) error
}

const sessionMaxAge = 3600 * 24 * 7

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, sessionMaxAge, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc *Services) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	// The library default is Secure with SameSite=None, which a browser
	// drops over plain HTTP.
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("PresenceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		if svc.Health != nil {
			if err := svc.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": svc.Registry.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/login", handleLogin)
	api.POST("/logout", handleLogout)

	h := &roomHandlers{svc: svc, maxAge: cfg.MaxAge()}
	api.GET("/rooms", h.list)
	api.GET("/rooms/:name/members", h.members)
	api.GET("/rooms/:name/events", h.events)
	api.POST("/prune", h.prune)
	api.DELETE("/connections/:member", h.kick)
	api.DELETE("/sessions/:sid", h.kickSession)

	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		svc.Signal.HandleSignal(ctx, c, CurrentUser(c))
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
