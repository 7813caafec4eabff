package remote

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendDir      = "dir"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendHTTP     = "http"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Dir         string
	RedisURL    string
	RedisPrefix string
	PostgresURL string
	URL         string

	// Token authenticates HTTPMirror requests.
	Token TokenSource
}

// Open builds the configured backend. It returns a nil Mirror and no error
// when the backend is "none" or empty: the cloud mirror is disabled.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Mirror, error) {
	var (
		m   Mirror
		err error
	)
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		m = NewMemoryMirror()
	case BackendDir:
		m, err = asMirror(NewDirMirror(cfg.Dir, logger))
	case BackendRedis:
		m, err = asMirror(OpenRedisMirror(ctx, cfg.RedisURL, cfg.RedisPrefix, logger))
	case BackendPostgres:
		m, err = asMirror(OpenPostgresMirror(ctx, cfg.PostgresURL, logger))
	case BackendHTTP:
		m, err = asMirror(NewHTTPMirror(cfg.URL, cfg.Token, logger))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNotConfigured, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("backend", cfg.Backend).Msg("remote mirror opened")
	return m, nil
}

// asMirror returns a nil interface, not a nil backend pointer, on error.
func asMirror[M Mirror](m M, err error) (Mirror, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
