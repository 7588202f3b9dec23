// Package cli is the megdan command tree: the backend server and a terminal
// chat client built on manager.Manager.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"megdan/cmd/internal/app"
	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/gateway"
	"megdan/cmd/internal/manager"
	"megdan/cmd/internal/session"
)

// gatewayFactory builds the gateway for cfg and a func releasing what it opened.
type gatewayFactory func(ctx context.Context, cfg Config, log *slog.Logger) (gateway.Gateway, func(), error)

type options struct {
	newGateway gatewayFactory
	getenv     func(string) string
	loadConfig func() (Config, string, error)
}

// Main runs the CLI and exits 1 on failure.
func Main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "megdan:", chat.UserMessage(err))
		os.Exit(1)
	}
}

// NewRootCmd returns the full command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(options{newGateway: defaultGateway, getenv: os.Getenv, loadConfig: loadConfig})
}

func newRootCmd(o options) *cobra.Command {
	root := &cobra.Command{
		Use:   "megdan",
		Short: "Conversation session manager: chat server and terminal client.",
		Long: `megdan keeps a chat session, a conversation list and message history in sync
with a megdan backend.

  Quickstart:
    megdan serve                          # run a backend on :8080
    megdan register alice --name Alice    # create a user and log in
    megdan conversations                  # recent conversations
    megdan send bob "hello"               # direct message
    megdan chat                           # interactive session

  The client reads ./.megdan/config.yaml, then ~/.megdan/config.yaml.
  MEGDAN_* variables override the file; flags override both.
  Without a server URL the client runs an in-process backend; its data lasts
  for one command unless MEGDAN_DATABASE_URL and MEGDAN_TOKEN_SECRET are set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("server", "", "Backend WebSocket URL (empty: in-process backend)")
	f.String("region", "", "Region key looked up in the config's regions map")
	f.String("persistence", "", "Where the session is kept: memory, sqlite or redis")
	f.String("log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(o),
		newLoginCmd(o),
		newRegisterCmd(o),
		newLogoutCmd(o),
		newWhoamiCmd(o),
		newConversationsCmd(o),
		newOpenCmd(o),
		newSendCmd(o),
		newUsersCmd(o),
		newGroupsCmd(o),
		newGroupCmd(o),
		newChatCmd(o),
		newCalendarCmd(),
	)
	return root
}

// resolveConfig merges the config file, env and flags.
func resolveConfig(cmd *cobra.Command, o options) (Config, error) {
	cfg, path, err := o.loadConfig()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.withEnv(o.getenv)

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"server":      &cfg.Server,
		"region":      &cfg.Region,
		"persistence": &cfg.Persistence,
		"log-level":   &cfg.LogLevel,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		return Config{}, err
	}
	return cfg, nil
}

// client is one started manager with everything it needs closed afterwards.
type client struct {
	cfg     Config
	log     *slog.Logger
	m       *manager.Manager
	closers []func()
}

func (c *client) Close() {
	if c.m != nil {
		if err := c.m.Close(); err != nil {
			c.log.Warn("cli.close.fail", "err", err)
		}
	}
	for _, fn := range c.closers {
		fn()
	}
}

// startClient builds and starts a manager. Close must be called even on error.
func startClient(cmd *cobra.Command, o options) (*client, error) {
	ctx := cmd.Context()
	cfg, err := resolveConfig(cmd, o)
	if err != nil {
		return &client{log: slog.Default()}, err
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	c := &client{cfg: cfg, log: log}

	p, closeP, err := openPersistence(ctx, cfg)
	if err != nil {
		return c, err
	}
	c.closers = append(c.closers, closeP)

	gw, closeGW, err := o.newGateway(ctx, cfg, log)
	if err != nil {
		return c, err
	}
	if closeGW != nil {
		c.closers = append(c.closers, closeGW)
	}

	c.m, err = manager.New(manager.Config{
		AppID:             cfg.AppID,
		Region:            cfg.Region,
		AuthKey:           cfg.AuthKey,
		ConversationLimit: cfg.ConversationLimit,
		TailLimit:         cfg.TailLimit,
		Logger:            log,
	}, manager.Deps{Gateway: gw, Persistence: p})
	if err != nil {
		_ = gw.Close()
		return c, err
	}
	return c, c.m.Start(ctx)
}

// withClient runs fn with a started manager.
func withClient(cmd *cobra.Command, o options, fn func(ctx context.Context, m *manager.Manager) error) error {
	c, err := startClient(cmd, o)
	defer c.Close()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c.m)
}

var errNotLoggedIn = errors.New("not logged in; run 'megdan login <uid>' first")

// withIdentity is withClient for commands that need a logged-in user.
func withIdentity(cmd *cobra.Command, o options, fn func(ctx context.Context, m *manager.Manager, self chat.Identity) error) error {
	return withClient(cmd, o, func(ctx context.Context, m *manager.Manager) error {
		self, ok := m.Session().CurrentIdentity()
		if !ok {
			return errNotLoggedIn
		}
		return fn(ctx, m, self)
	})
}

func defaultGateway(ctx context.Context, cfg Config, log *slog.Logger) (gateway.Gateway, func(), error) {
	if cfg.Server != "" || len(cfg.Regions) > 0 {
		gw := gateway.NewWSClient(gateway.WSConfig{URL: cfg.Server, Regions: cfg.Regions, Origin: cfg.Origin, Logger: log})
		return gw, nil, nil
	}

	// In-process backend: same stack as "megdan serve", minus the listener.
	acfg := app.LoadConfig()
	acfg.AppID = cfg.AppID
	acfg.AuthKey = cfg.AuthKey
	a, err := app.New(ctx, acfg, log)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("cli.backend.inprocess", "db_enabled", acfg.DatabaseURL != "")
	return gateway.NewLocal(a.Service(), log), a.Close, nil
}

func openPersistence(ctx context.Context, cfg Config) (session.Persistence, func(), error) {
	switch cfg.Persistence {
	case persistMemory:
		return session.NewMemoryPersistence(), func() {}, nil
	case persistRedis:
		rdb, err := session.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		p := session.NewRedisPersistence(rdb, session.WithKeyPrefix(cfg.RedisPrefix))
		return p, func() { _ = rdb.Close() }, nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, err
			}
		}
		p, err := session.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
