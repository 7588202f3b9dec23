package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"megdan/cmd/internal/chat"
)

// Authenticator is the slice of the chat gateway the store needs.
type Authenticator interface {
	Login(ctx context.Context, uid, authKey string) (chat.Identity, error)
	LoginWithToken(ctx context.Context, token string) (chat.Identity, error)
	Logout(ctx context.Context) error
	CreateUser(ctx context.Context, uid, name, authKey string) (chat.User, error)
}

// IdentityReader is how other components observe the current identity.
type IdentityReader interface {
	CurrentIdentity() (chat.Identity, bool)
}

// Config holds the store's static settings.
type Config struct {
	// AuthKey is the app-level key presented with every uid login.
	AuthKey string
	Logger  *slog.Logger
}

// Store is the single writer of the client identity.
type Store struct {
	cfg  Config
	auth Authenticator
	p    Persistence
	log  *slog.Logger

	// op serializes lifecycle transitions (Init, Login, Register, Logout).
	op sync.Mutex

	mu    sync.RWMutex
	state State
	id    chat.Identity
}

// NewStore wires a Store. A nil Persistence falls back to memory.
func NewStore(cfg Config, auth Authenticator, p Persistence) *Store {
	if p == nil {
		p = NewMemoryPersistence()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{cfg: cfg, auth: auth, p: p, log: log, state: StateUninitialized}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentIdentity returns the identity while authenticated.
func (s *Store) CurrentIdentity() (chat.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return chat.Identity{}, false
	}
	return s.id, true
}

// Init restores a persisted identity, if any.
//
// A stored token is resumed with LoginWithToken; an identity without token is
// logged in again by uid. A backend rejection clears persistence. An unreachable
// backend keeps persistence so the next start can retry, and returns the error.
func (s *Store) Init(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	stored, err := s.p.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoIdentity) {
			s.log.Warn("session.restore.load_fail", "err", err)
		}
		s.set(StateAnonymous, chat.Identity{})
		return nil
	}

	s.set(StateAuthenticating, chat.Identity{})

	var id chat.Identity
	if stored.AuthToken != "" {
		id, err = s.auth.LoginWithToken(ctx, stored.AuthToken)
	} else {
		id, err = s.auth.Login(ctx, stored.ID, s.cfg.AuthKey)
	}
	if err != nil {
		aerr := chat.NewAuthError("session.Init", err)
		if errors.Is(aerr, chat.ErrInvalidCredentials) {
			if cerr := s.p.Clear(ctx); cerr != nil {
				s.log.Warn("session.restore.clear_fail", "uid", stored.ID, "err", cerr)
			}
		}
		s.set(StateAnonymous, chat.Identity{})
		s.log.Info("session.restore.fail", "uid", stored.ID, "kind", aerr.Kind.Error(), "err", err)
		return aerr
	}

	if id.Name == "" {
		id.Name = stored.Name
	}
	s.persist(ctx, id)
	s.set(StateAuthenticated, id)
	s.log.Info("session.restore.ok", "uid", id.ID)
	return nil
}

// Login authenticates uid against the backend.
func (s *Store) Login(ctx context.Context, uid string) (chat.Identity, error) {
	s.op.Lock()
	defer s.op.Unlock()
	return s.login(ctx, "session.Login", uid)
}

// Register creates uid with a display name and logs it in. A blank name
// defaults to the uid.
func (s *Store) Register(ctx context.Context, uid, name string) (chat.Identity, error) {
	s.op.Lock()
	defer s.op.Unlock()

	uid = strings.TrimSpace(uid)
	if uid == "" {
		return chat.Identity{}, &chat.AuthError{Op: "session.Register", Kind: chat.ErrInvalidCredentials}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = uid
	}

	if _, err := s.auth.CreateUser(ctx, uid, name, s.cfg.AuthKey); err != nil {
		s.log.Info("session.register.fail", "uid", uid, "err", err)
		return chat.Identity{}, chat.NewAuthError("session.Register", err)
	}
	s.log.Info("session.register.ok", "uid", uid)
	return s.login(ctx, "session.Register", uid)
}

func (s *Store) login(ctx context.Context, op, uid string) (chat.Identity, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		s.set(StateAnonymous, chat.Identity{})
		return chat.Identity{}, &chat.AuthError{Op: op, Kind: chat.ErrInvalidCredentials}
	}

	s.set(StateAuthenticating, chat.Identity{})

	id, err := s.auth.Login(ctx, uid, s.cfg.AuthKey)
	if err != nil {
		aerr := chat.NewAuthError(op, err)
		s.set(StateAnonymous, chat.Identity{})
		s.log.Info("session.login.fail", "uid", uid, "kind", aerr.Kind.Error(), "err", err)
		return chat.Identity{}, aerr
	}
	if !id.Valid() {
		id.ID = uid
	}

	s.persist(ctx, id)
	s.set(StateAuthenticated, id)
	s.log.Info("session.login.ok", "uid", id.ID)
	return id, nil
}

// Logout clears the identity in memory and in persistence, whatever the
// backend answers. Logging out while not authenticated is a no-op.
func (s *Store) Logout(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.RLock()
	prev, state := s.id, s.state
	s.mu.RUnlock()

	if state != StateAuthenticated {
		// Still make sure nothing lingers on disk.
		if err := s.p.Clear(ctx); err != nil {
			s.log.Warn("session.logout.clear_fail", "err", err)
		}
		return nil
	}

	s.set(StateAnonymous, chat.Identity{})

	var gwErr error
	if err := s.auth.Logout(ctx); err != nil {
		gwErr = chat.NewAuthError("session.Logout", err)
		s.log.Warn("session.logout.gateway_fail", "uid", prev.ID, "err", err)
	}
	perr := s.p.Clear(ctx)
	if perr != nil {
		s.log.Warn("session.logout.clear_fail", "uid", prev.ID, "err", perr)
	}

	s.log.Info("session.logout.ok", "uid", prev.ID)
	return errors.Join(gwErr, perr)
}

func (s *Store) persist(ctx context.Context, id chat.Identity) {
	if err := s.p.Save(ctx, id); err != nil {
		s.log.Warn("session.persist.fail", "uid", id.ID, "err", err)
	}
}

func (s *Store) set(state State, id chat.Identity) {
	s.mu.Lock()
	s.state = state
	s.id = id
	s.mu.Unlock()
}
