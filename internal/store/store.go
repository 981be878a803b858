// Package store picks a core.Store driver by name.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/store/memory"
	"github.com/dkeye/Presence/internal/store/postgres"
	"github.com/dkeye/Presence/internal/store/sqlite"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects the configured driver. dsn is a file path for sqlite and a
// connection URL for postgres; memory ignores it.
func Open(ctx context.Context, driver, dsn string) (core.Store, error) {
	log.Info().Str("module", "store").Str("driver", driver).Msg("opening store")
	switch driver {
	case DriverMemory, "":
		return memory.New(), nil
	case DriverSQLite:
		return sqlite.New(ctx, dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("store driver %q requires a dsn", driver)
		}
		return postgres.New(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
