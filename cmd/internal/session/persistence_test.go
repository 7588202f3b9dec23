package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"megdan/cmd/internal/chat"
)

func exercisePersistence(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := p.Load(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	want := chat.Identity{ID: "alice", Name: "Alice", AuthToken: "t1"}
	if err := p.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load=%+v want=%+v", got, want)
	}

	want.AuthToken = "t2"
	if err := p.Save(ctx, want); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if got, _ := p.Load(ctx); got.AuthToken != "t2" {
		t.Fatalf("expected overwrite, got %+v", got)
	}

	if err := p.Save(ctx, chat.Identity{}); err == nil {
		t.Fatalf("expected empty identity to be refused")
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := p.Load(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity after Clear, got %v", err)
	}
}

func TestMemoryPersistence(t *testing.T) {
	t.Parallel()
	exercisePersistence(t, NewMemoryPersistence())
}

func TestSQLitePersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile", "megdan.db")
	p, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	exercisePersistence(t, p)
}

func TestRedisPersistence_Integration(t *testing.T) {
	addr := os.Getenv("MEGDAN_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEGDAN_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := DialRedis(ctx, addr, os.Getenv("MEGDAN_REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "megdan:test:" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":"
	exercisePersistence(t, NewRedisPersistence(rdb, WithKeyPrefix(prefix), WithTTL(time.Minute)))
}
