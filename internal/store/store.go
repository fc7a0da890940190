// Package store is the durable home of the engine's learned state: selector
// records, conditional-cache entries and tier counters, plus the scrape
// result and failure log written by the default sink.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/httpcache"
	"github.com/sells-group/pricescout/internal/selectors"
	"github.com/sells-group/pricescout/internal/sink"
	"github.com/sells-group/pricescout/internal/tiers"
)

// Store is implemented by every backend.
type Store interface {
	selectors.Repository
	httpcache.Repository
	tiers.Repository
	sink.ResultRepository

	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open connects the backend named by cfg.Driver and runs its migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		st, err = NewSQLite(cfg.Path)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
	case "memory":
		st = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
