// Package natsbridge republishes membership changes on NATS so services
// outside the presence node can follow rooms.
package natsbridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/domain"
)

const SubjectPrefix = "presence.changed."

// Publisher is the part of *nats.Conn the bridge uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Bridge struct {
	Conn Publisher
}

func Subject(room domain.RoomName) string {
	return SubjectPrefix + string(room)
}

func (b *Bridge) OnChange(_ context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Conn.Publish(Subject(ev.Room), data)
}

// Connect dials url with reconnects enabled for the lifetime of the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "natsbridge").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "natsbridge").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "natsbridge").Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return nc, nil
}
