package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quittances/quittances/internal/db"
	"github.com/quittances/quittances/internal/identity"
	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/store"
	qsync "github.com/quittances/quittances/internal/sync"
)

// openProvider returns the configured identity source: a fixed id, or the
// subject of the token file. A fixed id still sends the token file's token
// when that token was issued for the same id.
func (a *cli) openProvider() (identity.Provider, error) {
	if id := a.cfg.Identity.ID; id != "" {
		token, err := identity.ReadToken(a.cfg.Identity.TokenFile, id, time.Now())
		if err != nil {
			return nil, err
		}
		if token == "" && a.cfg.Remote.Backend == remote.BackendHTTP {
			a.logger.Warn().Str("identity", id).Msg("no token for identity, mirror requests are unauthenticated")
		}
		return identity.NewStatic(id, token), nil
	}
	return identity.OpenTokenFile(a.cfg.Identity.TokenFile, 0, a.logger)
}

// runtime is an open local store, mirror and running controller.
type runtime struct {
	db         *db.DB
	store      *store.Store
	provider   identity.Provider
	mirror     remote.Mirror
	controller *qsync.Controller
	registry   *prometheus.Registry

	cancel context.CancelFunc
	done   chan error
}

// start opens everything and runs the controller loop until stop is called.
// The session is not bound yet.
func (a *cli) start(ctx context.Context) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry()}

	database, err := db.OpenContext(ctx, a.cfg.DataPath)
	if err != nil {
		return nil, err
	}
	rt.db = database
	rt.store = store.New(database, a.logger)

	provider, err := a.openProvider()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.provider = provider

	mirror, err := remote.Open(ctx, a.cfg.RemoteOptions(provider.Token), a.logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.mirror = mirror

	rt.controller = qsync.New(rt.store, mirror,
		qsync.WithLogger(a.logger),
		qsync.WithRegisterer(rt.registry),
		qsync.WithPushTimeout(a.cfg.Sync.PushTimeout),
		qsync.WithRebindInterval(a.cfg.Sync.RebindInterval),
	)
	rt.controller.Subscribe(logEvents(a))

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan error, 1)
	go func() { rt.done <- rt.controller.Run(runCtx) }()
	return rt, nil
}

// stop ends the controller loop and closes everything start opened.
func (rt *runtime) stop() {
	if rt.cancel != nil {
		rt.cancel()
		<-rt.done
	}
	rt.close()
}

func (rt *runtime) close() {
	if rt.mirror != nil {
		_ = rt.mirror.Close()
	}
	if rt.provider != nil {
		_ = rt.provider.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

// bind signs the session in as the provider's current identity, if any,
// and waits for the bind to settle.
func (a *cli) bind(ctx context.Context, rt *runtime) {
	if rt.mirror == nil {
		return
	}
	id := rt.provider.Identity()
	if id == "" {
		a.logger.Debug().Msg("no identity, working locally")
		return
	}
	if err := rt.controller.SetIdentity(ctx, id); err != nil {
		a.logger.Warn().Err(err).Str("identity", id).Msg("cannot bind identity")
		return
	}
	a.flush(ctx, rt)
}

// flush waits for in-flight binds and pushes, at most one push timeout.
func (a *cli) flush(ctx context.Context, rt *runtime) {
	timeout := a.cfg.Sync.PushTimeout
	if timeout <= 0 {
		timeout = qsync.DefaultPushTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rt.controller.Flush(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("remote mirror did not settle")
	}
}

// withController runs fn against a bound controller, then waits for the
// resulting pushes. Local save errors from fn are returned; remote failures
// are only logged.
func (a *cli) withController(ctx context.Context, fn func(ctx context.Context, c *qsync.Controller) error) error {
	rt, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer rt.stop()

	a.bind(ctx, rt)
	if err := fn(ctx, rt.controller); err != nil {
		return err
	}
	a.flush(ctx, rt)
	return nil
}

// commit is withController for a single mutation.
func (a *cli) commit(ctx context.Context, mutate qsync.Mutator) error {
	return a.withController(ctx, func(ctx context.Context, c *qsync.Controller) error {
		return c.Commit(ctx, mutate)
	})
}

func logEvents(a *cli) qsync.Listener {
	log := a.logger
	return func(ev qsync.Event) {
		switch ev.Kind {
		case qsync.EventBound:
			log.Info().Str("identity", ev.Identity).Msg("bound to remote")
		case qsync.EventReplaced:
			log.Info().Str("identity", ev.Identity).Msg("document replaced by remote")
		case qsync.EventUnbound:
			if ev.Err != nil {
				log.Warn().Err(ev.Err).Str("identity", ev.Identity).Msg("unbound")
			} else {
				log.Debug().Str("identity", ev.Identity).Msg("unbound")
			}
		case qsync.EventPushed:
			log.Debug().Str("identity", ev.Identity).Msg("pushed")
		case qsync.EventRemoteError:
			log.Warn().Err(ev.Err).Str("identity", ev.Identity).Msg("remote error")
		case qsync.EventLocalError:
			log.Error().Err(ev.Err).Msg("local save failed")
		}
	}
}
