package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/app/notify"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type roomHandlers struct {
	svc    *Services
	maxAge time.Duration
}

func roomParam(c *gin.Context) (domain.RoomName, bool) {
	name, err := domain.ParseRoomName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return name, true
}

// GET /api/rooms
func (h *roomHandlers) list(c *gin.Context) {
	rooms, err := h.svc.Engine.Rooms(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GET /api/rooms/:name/members
func (h *roomHandlers) members(c *gin.Context) {
	name, ok := roomParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	users, err := h.svc.Engine.GetMembers(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(name)).Msg("members")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store"})
		return
	}
	anon, err := h.svc.Engine.GetAnonymousCount(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(name)).Msg("anonymous count")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store"})
		return
	}
	if users == nil {
		users = []domain.UserID{}
	}
	c.JSON(http.StatusOK, gin.H{"room": name, "users": users, "anonymous": anon})
}

// GET /api/rooms/:name/events streams the room's change events as SSE.
func (h *roomHandlers) events(c *gin.Context) {
	name, ok := roomParam(c)
	if !ok {
		return
	}

	// Delivery must never wait on a slow HTTP client; a full buffer drops.
	ch := make(chan domain.ChangeEvent, 16)
	unsubscribe := h.svc.Notifier.Subscribe("sse:"+c.GetString("client_token"), notify.ListenerFunc(
		func(_ context.Context, ev domain.ChangeEvent) error {
			if ev.Room != name {
				return nil
			}
			select {
			case ch <- ev:
			default:
				log.Warn().Str("module", "adapters.http").Str("room", string(name)).Msg("sse client slow, event dropped")
			}
			return nil
		}))
	defer unsubscribe()

	info, err := h.svc.Engine.RoomInfo(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store"})
		return
	}
	c.SSEvent("snapshot", info)
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev := <-ch:
			c.SSEvent("change", ev)
			return true
		}
	})
}

type pruneRequest struct {
	// MaxAge is in seconds; zero uses the configured age.
	MaxAge int  `json:"max_age"`
	Rooms  bool `json:"rooms"`
}

// POST /api/prune runs one sweep now.
func (h *roomHandlers) prune(c *gin.Context) {
	var req pruneRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.MaxAge < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prune request"})
			return
		}
	}
	maxAge := h.maxAge
	if req.MaxAge > 0 {
		maxAge = time.Duration(req.MaxAge) * time.Second
	}

	ctx := c.Request.Context()
	stale, err := h.svc.Engine.PruneAllStale(ctx, maxAge)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("prune stale")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "memberships": stale})
		return
	}
	var rooms int64
	if req.Rooms {
		rooms, err = h.svc.Engine.PruneEmptyRooms(ctx)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("prune rooms")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "memberships": stale})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"memberships": stale, "rooms": rooms})
}

// DELETE /api/connections/:member closes a connection on this node.
func (h *roomHandlers) kick(c *gin.Context) {
	member := domain.MemberAddr(c.Param("member"))
	if !h.svc.Registry.Cancel(member) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such connection"})
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/sessions/:sid closes every connection a client session opened
// on this node.
func (h *roomHandlers) kickSession(c *gin.Context) {
	sid := core.SessionID(c.Param("sid"))
	closed := 0
	for _, member := range h.svc.Registry.ConnectionsOf(sid) {
		if h.svc.Registry.Cancel(member) {
			closed++
		}
	}
	if closed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no connections for session"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", string(sid)).Int("closed", closed).Msg("kicked session")
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
