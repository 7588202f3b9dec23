// Package app wires the megdan backend: config, logging, stores, event
// publishers, the WebSocket gateway and the HTTP routes around it.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"megdan/cmd/internal/metrics"
	"megdan/cmd/internal/realtime"
	"megdan/cmd/security/password"
)

// App is the backend runtime. It owns the HTTP server and every resource the
// realtime service depends on.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	dbPool *pgxpool.Pool
	store  realtime.MessageStore
	events realtime.EventPublisher

	svc *realtime.Service
	ws  *realtime.WSGateway
}

// New builds a fully wired App. Resources opened before a failure are closed.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	secret, err := tokenSecret(cfg, log)
	if err != nil {
		return nil, err
	}
	tokens, err := realtime.NewTokenIssuer(secret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	passwords, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	dir, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, a.metrics)
	if err := a.openEvents(hub); err != nil {
		return nil, err
	}

	a.svc, err = realtime.NewService(
		realtime.ServiceConfig{AppID: cfg.AppID, AuthKey: cfg.AuthKey, Passwords: passwords},
		realtime.ServiceDeps{
			Store:   a.store,
			Dir:     dir,
			Tokens:  tokens,
			Hub:     hub,
			Events:  a.events,
			Metrics: a.metrics,
			Logger:  log,
		},
	)
	if err != nil {
		return nil, err
	}
	a.ws = realtime.NewWSGateway(log, a.svc, a.metrics, cfg.WS)
	ok = true
	return a, nil
}

// openStores picks Postgres when a database is configured, memory otherwise.
func (a *App) openStores(ctx context.Context) (realtime.DirectoryStore, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = realtime.NewInMemoryStore()
		return realtime.NewInMemoryDirectory(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.dbPool = pool

	store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	a.store = store

	dir, err := realtime.NewPostgresDirectory(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return dir, nil
}

// openEvents connects the optional Kafka and NATS publishers.
func (a *App) openEvents(hub *realtime.Hub) error {
	var pubs realtime.MultiPublisher
	if a.cfg.KafkaBrokers != "" {
		kp, err := realtime.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		if err != nil {
			return err
		}
		pubs = append(pubs, kp)
		a.log.Info("events.kafka.enabled", "topic", a.cfg.KafkaTopic)
	}
	if a.cfg.NATSURL != "" {
		nb, err := realtime.DialNATS(a.cfg.NATSURL, a.cfg.NATSSubject, realtime.NewInstanceID(), hub, a.log)
		if err != nil {
			_ = pubs.Close()
			return err
		}
		pubs = append(pubs, nb)
	}
	if len(pubs) == 0 {
		a.events = realtime.NopPublisher{}
		return nil
	}
	a.events = pubs
	return nil
}

// Service is the realtime service, for in-process clients.
func (a *App) Service() *realtime.Service { return a.svc }

// Handler returns the HTTP handler with request logging applied.
func (a *App) Handler() http.Handler {
	return WithRequestLogging(a.routes(), a.log, a.metrics)
}

// Run starts the HTTP server and blocks until ctx is done or the server fails.
// It closes every resource before returning.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZero(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZero(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZero(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZero(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZero(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close releases the stores and publishers. Run calls it on return.
func (a *App) Close() { a.close() }

func (a *App) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Error("events.close.fail", "err", err)
		}
		a.events = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZero[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
