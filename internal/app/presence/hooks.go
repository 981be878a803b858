package presence

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/domain"
)

// Handler is one unit of connection work, such as handling an inbound frame
// or a disconnect.
type Handler func(ctx context.Context) error

// Touching wraps h so that the member is marked alive before h runs. A
// failed touch is logged and h still runs.
func (e *Engine) Touching(member domain.MemberAddr, h Handler) Handler {
	return func(ctx context.Context) error {
		if _, err := e.Touch(ctx, member); err != nil {
			log.Warn().Err(err).Str("module", "app.presence").Str("member", string(member)).Msg("touch failed")
		}
		return h(ctx)
	}
}

// Leaving wraps a disconnect handler so the member leaves every room before
// h runs. h runs even when the leave failed; its error wins over the leave
// error.
func (e *Engine) Leaving(member domain.MemberAddr, h Handler) Handler {
	return func(ctx context.Context) error {
		lerr := e.LeaveAll(ctx, member)
		if lerr != nil {
			log.Error().Err(lerr).Str("module", "app.presence").Str("member", string(member)).Msg("leave on disconnect failed")
		}
		if err := h(ctx); err != nil {
			return err
		}
		return lerr
	}
}
