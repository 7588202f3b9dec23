package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run serves cfg until ctx is done, SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit so defers still run.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.Run(ctx)
}
