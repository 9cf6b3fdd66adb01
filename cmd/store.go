package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/herbaria-lab/specimen-cli/internal/ingest"
	"github.com/herbaria-lab/specimen-cli/internal/quality"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "specimens.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initService opens the store, migrates it, and wires the ingest service.
// The caller owns Close on the returned store.
func initService(ctx context.Context) (*ingest.Service, store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, err
	}
	return ingest.NewService(st, qualityRules()), st, nil
}

func qualityRules() quality.Rules {
	return quality.Rules{
		RequiredFields:      cfg.Aggregation.RequiredFields,
		ConfidenceThreshold: cfg.Aggregation.ConfidenceThreshold,
	}
}

// parseKeyValues parses repeated key=value flag values into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, eris.Errorf("invalid key=value pair: %q", p)
		}
		m[k] = v
	}
	return m, nil
}
