package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Options selects and configures a backend for New
type Options struct {
	Backend    string
	MemorySize int
	Redis      RedisOptions

	// SQLite is the database-backed store used for BackendSQLite
	SQLite Store
}

// New builds the store named by opts.Backend. An unreachable redis falls
// back to an in-memory store. The returned close func is never nil.
func New(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }

	switch opts.Backend {
	case BackendMemory:
		log.Debug().Int("size", opts.MemorySize).Msg("cache: using memory store")
		return NewMemoryStore(opts.MemorySize), noop, nil

	case BackendSQLite, "":
		if opts.SQLite == nil {
			return nil, noop, errors.New("cache: sqlite backend selected without a database")
		}
		log.Debug().Msg("cache: using sqlite store")
		return opts.SQLite, noop, nil

	case BackendRedis:
		if opts.Redis.Addr == "" {
			log.Warn().Msg("cache: redis address not configured, using memory store")
			return NewMemoryStore(opts.MemorySize), noop, nil
		}
		store := NewRedisStore(opts.Redis)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			log.Warn().Err(err).Str("addr", opts.Redis.Addr).Msg("cache: redis unreachable, falling back to memory store")
			return NewMemoryStore(opts.MemorySize), noop, nil
		}
		log.Info().Str("addr", opts.Redis.Addr).Msg("cache: using redis store")
		return store, store.Close, nil

	default:
		return nil, noop, fmt.Errorf("cache: unknown backend %q", opts.Backend)
	}
}

// Kind names the backend behind s
func Kind(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return BackendMemory
	case *RedisStore:
		return BackendRedis
	default:
		return BackendSQLite
	}
}
