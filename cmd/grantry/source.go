package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/internal/logger"
	"github.com/pthm/grantry/pkg/fixture"
	"github.com/pthm/grantry/pkg/metrics"
	"github.com/pthm/grantry/pkg/pgstore"
	"github.com/pthm/grantry/pkg/rediscache"
)

// source is an opened data source with an evaluator over it.
type source struct {
	store grantry.Store
	eval  *grantry.Evaluator
	log   zerolog.Logger

	cache    grantry.Cache
	registry *prometheus.Registry
	closers  []func() error
}

// newLogger builds the CLI logger. Logs go to stderr so that command output
// on stdout stays parseable.
func newLogger() zerolog.Logger {
	return logger.New(cfg.Log.Env, cfg.Log.Level, os.Stderr)
}

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	if dsn == "" {
		return "", cli.ConfigError("database URL is required (use --db or set in config)", nil)
	}
	return dsn, nil
}

// openDB opens and pings the configured database.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, cli.DBConnectError("connecting to database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cli.DBConnectError("connecting to database", err)
	}
	return db, nil
}

// loadFixture parses and validates a fixture file.
func loadFixture(path string) (*fixture.Fixture, error) {
	f, err := fixture.ParseFile(path)
	if err != nil {
		return nil, cli.FixtureError("loading fixture", err)
	}
	return f, nil
}

// openCache builds the decision cache selected by cache.backend. An
// unreachable Redis degrades to no caching.
func (s *source) openCache(ctx context.Context) {
	c := cfg.Cache
	switch c.Backend {
	case cli.CacheLRU:
		s.cache = grantry.NewLRUCache(c.Size, c.TTL)
	case cli.CacheRedis:
		rc, err := rediscache.Dial(ctx, c.Redis.Addr, c.Redis.DB,
			rediscache.WithPrefix(c.Redis.Prefix),
			rediscache.WithTTL(c.TTL),
			rediscache.WithLogger(s.log),
		)
		if err != nil {
			s.log.Warn().Err(err).Str("addr", c.Redis.Addr).Msg("cache:redis_unavailable")
			s.cache = grantry.NopCache{}
			return
		}
		s.cache = rc
		s.closers = append(s.closers, rc.Close)
	case cli.CacheNone:
		s.cache = grantry.NopCache{}
	default:
		s.cache = grantry.NewCache(grantry.WithTTL(c.TTL))
	}
}

// openSource opens the data source named by --db, --fixture or the config, in
// that order, and builds an evaluator over it. withMetrics registers a
// metrics collector on a private registry.
func openSource(ctx context.Context, withMetrics bool) (*source, error) {
	s := &source{log: newLogger()}

	fixturePath := resolveString(fixtureFlag, cfg.Fixture)
	switch {
	case dbFlag != "" || (fixturePath == "" && cfg.HasDatabase()):
		dsn, err := resolveDSN(dbFlag)
		if err != nil {
			return nil, err
		}
		db, err := openDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.store = pgstore.New(db)
	case fixturePath != "":
		f, err := loadFixture(fixturePath)
		if err != nil {
			return nil, err
		}
		mem, err := f.Load()
		if err != nil {
			return nil, cli.FixtureError("loading fixture", err)
		}
		s.store = mem
	default:
		return nil, cli.ConfigError("no data source (use --fixture or --db)", nil)
	}

	s.openCache(ctx)

	opts := []grantry.Option{
		grantry.WithCache(s.cache),
		grantry.WithAdminImpliesAll(cfg.Policy.AdminImpliesAll),
		grantry.WithImplicitGroups(cfg.Policy.ImplicitGroups),
		grantry.WithLogger(s.log),
	}
	if withMetrics {
		s.registry = prometheus.NewRegistry()
		collector, err := metrics.New(s.registry)
		if err != nil {
			_ = s.Close()
			return nil, cli.GeneralError("registering metrics", err)
		}
		opts = append(opts, grantry.WithObserver(collector))
	}
	s.eval = grantry.NewEvaluator(s.store, opts...)

	if st, ok := s.store.(interface{ OnChange(func()) }); ok {
		st.OnChange(s.eval.InvalidateFunc())
	}
	return s, nil
}

// Close releases the database and cache connections.
func (s *source) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
