package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/domain"
)

const (
	sessionUserID   = "user_id"
	sessionUsername = "username"
)

type LoginRequest struct {
	Name string `json:"name"`
}

// handleLogin attaches a display identity to the browser session. It is
// not authentication: anyone can claim any name.
func handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	user, err := domain.NewUser(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s := sessions.Default(c)
	s.Set(sessionUserID, string(user.ID))
	s.Set(sessionUsername, user.Username)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", string(user.ID)).Str("username", user.Username).Msg("login")
	c.JSON(http.StatusOK, user)
}

// handleLogout forgets the identity. Open connections keep the identity
// they joined with.
func handleLogout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.Status(http.StatusNoContent)
}

// CurrentUser returns the session identity, or nil for anonymous clients.
func CurrentUser(c *gin.Context) *domain.User {
	s := sessions.Default(c)
	id, _ := s.Get(sessionUserID).(string)
	if id == "" {
		return nil
	}
	name, _ := s.Get(sessionUsername).(string)
	return &domain.User{ID: domain.UserID(id), Username: name}
}
