package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/app/presence"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type SignalWSController struct {
	Engine   *presence.Engine
	Registry *app.Registry
	Router   core.Attacher
	Limiter  *RoomRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side closes it. user is the session identity and may be nil.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, user *domain.User) {
	sid := core.SessionID(c.GetString("client_token"))

	var initial domain.RoomName
	if q := c.Query("room"); q != "" {
		name, err := domain.ParseRoomName(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		initial = name
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	member := domain.MemberAddr("ws." + uuid.NewString())
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	detach, err := ctl.Router.Attach(ctx, member, conn)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("member", string(member)).Msg("attach failed")
		conn.Close()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(member, sid, user, cancel)
	metrics.Connections.Inc()
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("member", string(member)).Msg("new WS connection")

	onDisconnect := ctl.Engine.Leaving(member, func(context.Context) error {
		cancel()
		detach()
		conn.Close()
		ctl.Registry.Unbind(member)
		ctl.Limiter.Forget(member)
		metrics.Connections.Dec()
		return nil
	})

	go ctl.writePump(connCtx, conn)
	var initialDone <-chan struct{}
	if initial != "" {
		initialDone = ctl.joinAsync(connCtx, member, conn, initial)
	}
	go func() {
		ctl.readPump(connCtx, member, conn)
		// The initial join must land before the disconnect leaves every room.
		if initialDone != nil {
			<-initialDone
		}
		if err := onDisconnect(context.WithoutCancel(connCtx)); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("member", string(member)).Msg("disconnect cleanup")
		}
	}()
}
