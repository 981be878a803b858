package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/domain"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleWhoAmI(ctx context.Context, member domain.MemberAddr, conn *WsSignalConn) {
	resp := struct {
		Type     string            `json:"type"`
		Member   domain.MemberAddr `json:"member"`
		UserID   domain.UserID     `json:"user_id,omitempty"`
		Username string            `json:"username,omitempty"`
		Rooms    []domain.RoomName `json:"rooms"`
	}{
		Type:   "whoami",
		Member: member,
	}
	if user, _ := ctl.Registry.User(member); user != nil {
		resp.UserID = user.ID
		resp.Username = user.Username
	}
	rooms, err := ctl.Engine.RoomsOf(ctx, member)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("member", string(member)).Msg("whoami rooms")
	}
	resp.Rooms = rooms
	if resp.Rooms == nil {
		resp.Rooms = []domain.RoomName{}
	}
	ctl.sendJSON(conn, resp)
}
