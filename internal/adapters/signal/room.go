package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type roomPayload struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func parseRoomPayload(data []byte) (domain.RoomName, error) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	return domain.ParseRoomName(p.Room)
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, member domain.MemberAddr, conn *WsSignalConn, data []byte) {
	name, err := parseRoomPayload(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	ctl.join(ctx, member, conn, name)
}

func (ctl *SignalWSController) allowJoin(member domain.MemberAddr, conn *WsSignalConn) bool {
	if ctl.Limiter.Allow(member) {
		return true
	}
	log.Warn().Str("module", "signal").Str("member", string(member)).Msg("join rate limited")
	ctl.sendError(conn, "rate_limited")
	return false
}

func (ctl *SignalWSController) join(ctx context.Context, member domain.MemberAddr, conn *WsSignalConn, name domain.RoomName) {
	if !ctl.allowJoin(member, conn) {
		return
	}
	user, _ := ctl.Registry.User(member)
	log.Info().Str("module", "signal").Str("member", string(member)).Str("room", string(name)).Msg("join")
	room, err := ctl.Engine.Join(ctx, name, member, user)
	ctl.replyJoin(ctx, conn, name, room, err)
}

// joinAsync starts the join named in the connect URL while the read loop
// starts serving frames. The returned channel closes once the reply has
// been queued.
func (ctl *SignalWSController) joinAsync(ctx context.Context, member domain.MemberAddr, conn *WsSignalConn, name domain.RoomName) <-chan struct{} {
	done := make(chan struct{})
	if !ctl.allowJoin(member, conn) {
		close(done)
		return done
	}
	user, _ := ctl.Registry.User(member)
	log.Info().Str("module", "signal").Str("member", string(member)).Str("room", string(name)).Msg("initial join")
	res := ctl.Engine.JoinAsync(ctx, name, member, user)
	go func() {
		defer close(done)
		r := <-res
		ctl.replyJoin(ctx, conn, name, r.Room, r.Err)
	}()
	return done
}

func (ctl *SignalWSController) replyJoin(ctx context.Context, conn *WsSignalConn, name domain.RoomName, room domain.Room, err error) {
	if err != nil && !errors.Is(err, core.ErrTransport) {
		log.Error().Err(err).Str("module", "signal").Str("room", string(name)).Msg("join failed")
		ctl.sendError(conn, "join_failed")
		return
	}
	// A transport failure leaves the membership recorded; the client is in
	// the room but may miss broadcasts until it rejoins.
	info, err := ctl.Engine.RoomInfo(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("room", string(name)).Msg("room info")
	}
	ctl.sendJSON(conn, struct {
		Type      string          `json:"type"`
		Room      domain.RoomName `json:"room"`
		RoomID    domain.RoomID   `json:"room_id"`
		Members   int64           `json:"members"`
		Anonymous int64           `json:"anonymous"`
	}{
		Type:      "joined",
		Room:      room.Name,
		RoomID:    room.ID,
		Members:   info.Members,
		Anonymous: info.Anonymous,
	})
}

// handleLeave leaves one room; the connection stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, member domain.MemberAddr, conn *WsSignalConn, data []byte) {
	name, err := parseRoomPayload(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad leave payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	log.Info().Str("module", "signal").Str("member", string(member)).Str("room", string(name)).Msg("leave")
	if err := ctl.Engine.Leave(ctx, name, member); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("room", string(name)).Msg("leave failed")
		ctl.sendError(conn, "leave_failed")
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
		"room": name,
	})
}
