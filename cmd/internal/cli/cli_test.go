package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/gateway"
	"megdan/cmd/internal/realtime"
	"megdan/cmd/security/password"
)

const testAuthKey = "cli-test-key"

func newBackend(t *testing.T) *realtime.Service {
	t.Helper()

	tokens, err := realtime.NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	svc, err := realtime.NewService(
		realtime.ServiceConfig{
			AuthKey: testAuthKey,
			Passwords: password.Config{
				Params: password.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
				Policy: password.Policy{MinLength: 4, MaxLength: 64},
			},
		},
		realtime.ServiceDeps{
			Store:  realtime.NewInMemoryStore(),
			Dir:    realtime.NewInMemoryDirectory(),
			Tokens: tokens,
			Hub:    realtime.NewHub(nil, nil),
		},
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

// profile is one terminal: its own session database, sharing svc.
func profile(t *testing.T, svc *realtime.Service) options {
	t.Helper()

	env := map[string]string{
		"MEGDAN_AUTH_KEY":    testAuthKey,
		"MEGDAN_PERSISTENCE": persistSQLite,
		"MEGDAN_SQLITE_PATH": filepath.Join(t.TempDir(), "session.db"),
		"MEGDAN_LOG_LEVEL":   "error",
	}
	return options{
		newGateway: func(_ context.Context, _ Config, log *slog.Logger) (gateway.Gateway, func(), error) {
			return gateway.NewLocal(svc, log), nil, nil
		},
		getenv:     func(k string) string { return env[k] },
		loadConfig: func() (Config, string, error) { return Config{}, "", nil },
	}
}

func run(t *testing.T, o options, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd(o)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, o options, args ...string) string {
	t.Helper()

	out, err := run(t, o, "", args...)
	if err != nil {
		t.Fatalf("megdan %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func assertContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, out)
	}
}

func TestCLI_DirectMessageAcrossProfiles(t *testing.T) {
	t.Parallel()

	svc := newBackend(t)
	alice, bob := profile(t, svc), profile(t, svc)

	assertContains(t, mustRun(t, alice, "register", "alice", "--name", "Alice"), "registered and logged in as Alice (alice)")
	assertContains(t, mustRun(t, bob, "register", "bob", "--name", "Bob"), "logged in as Bob (bob)")

	// The session is restored from the profile's database.
	assertContains(t, mustRun(t, alice, "whoami"), "Alice (alice)")

	assertContains(t, mustRun(t, alice, "send", "bob", "hello", "there"), "you: hello there")

	convs := mustRun(t, bob, "conversations")
	assertContains(t, convs, "Alice")
	assertContains(t, convs, "hello there")

	opened := mustRun(t, bob, "open", "alice")
	assertContains(t, opened, "== Alice ==")
	assertContains(t, opened, "hello there")

	assertContains(t, mustRun(t, alice, "users", "bo"), "Bob (bob)")
}

func TestCLI_RequiresLogin(t *testing.T) {
	t.Parallel()

	o := profile(t, newBackend(t))
	for _, args := range [][]string{{"whoami"}, {"conversations"}, {"send", "bob", "hi"}} {
		if _, err := run(t, o, "", args...); !errors.Is(err, errNotLoggedIn) {
			t.Fatalf("megdan %s: expected errNotLoggedIn, got %v", strings.Join(args, " "), err)
		}
	}
}

func TestCLI_LogoutForgetsSession(t *testing.T) {
	t.Parallel()

	o := profile(t, newBackend(t))
	// Without --name the uid doubles as the display name.
	assertContains(t, mustRun(t, o, "register", "carol"), "registered and logged in as carol (carol)")
	assertContains(t, mustRun(t, o, "logout"), "logged out")
	if _, err := run(t, o, "", "whoami"); !errors.Is(err, errNotLoggedIn) {
		t.Fatalf("expected errNotLoggedIn after logout, got %v", err)
	}
}

func TestCLI_PasswordGroup(t *testing.T) {
	t.Parallel()

	svc := newBackend(t)
	owner, guest := profile(t, svc), profile(t, svc)
	mustRun(t, owner, "register", "owner", "--name", "Owner")
	mustRun(t, guest, "register", "guest", "--name", "Guest")

	assertContains(t, mustRun(t, owner, "group", "create", "Readers", "--type", "password", "--password", "sesame"), "created #Readers")

	if _, err := run(t, guest, "", "group", "join", "Readers"); !errors.Is(err, chat.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	assertContains(t, mustRun(t, guest, "group", "join", "readers", "--password", "sesame"), "joined #Readers")

	assertContains(t, mustRun(t, guest, "send", "--group", "Readers", "hi", "all"), "you: hi all")
	assertContains(t, mustRun(t, owner, "open", "--group", "Readers"), "hi all")
}

func TestCLI_UnknownGroupType(t *testing.T) {
	t.Parallel()

	o := profile(t, newBackend(t))
	mustRun(t, o, "register", "dave")
	if _, err := run(t, o, "", "group", "create", "X", "--type", "secret"); err == nil {
		t.Fatalf("expected error for unknown group type")
	}
}

func TestCLI_UnknownTarget(t *testing.T) {
	t.Parallel()

	o := profile(t, newBackend(t))
	mustRun(t, o, "register", "erin")
	if _, err := run(t, o, "", "send", "nobody", "hi"); !errors.Is(err, errNoSuchTarget) {
		t.Fatalf("expected errNoSuchTarget, got %v", err)
	}
}

func TestCLI_ChatREPL(t *testing.T) {
	t.Parallel()

	svc := newBackend(t)
	alice, bob := profile(t, svc), profile(t, svc)
	mustRun(t, alice, "register", "alice", "--name", "Alice")
	mustRun(t, bob, "register", "bob", "--name", "Bob")

	script := strings.Join([]string{
		"hello?",
		"/open bob",
		"how are you",
		"/older 5",
		"/bogus",
		"/list",
		"/quit",
		"never sent",
	}, "\n")
	out, err := run(t, alice, script, "chat")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	assertContains(t, out, "logged in as Alice")
	assertContains(t, out, "error: ")
	assertContains(t, out, "== Bob ==")
	assertContains(t, out, "you: how are you")
	assertContains(t, out, "no older messages")
	assertContains(t, out, "unknown command /bogus")
	if strings.Contains(out, "never sent") {
		t.Fatalf("input after /quit was processed:\n%s", out)
	}

	assertContains(t, mustRun(t, bob, "open", "alice"), "how are you")
}

func TestCLI_ConfigErrorsSurface(t *testing.T) {
	t.Parallel()

	o := profile(t, newBackend(t))
	if _, err := run(t, o, "", "--persistence", "etcd", "whoami"); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestRenderCalendar(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderCalendar(&buf, 2024, time.February, time.Date(2024, time.February, 14, 9, 0, 0, 0, time.Local))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")

	want := []string{
		"       February 2024",
		" Mo  Tu  We  Th  Fr  Sa  Su",
		strings.Repeat(" ", 12) + "  1   2   3   4",
		"  5   6   7   8   9  10  11",
		" 12  13 [14] 15  16  17  18",
		" 19  20  21  22  23  24  25",
		" 26  27  28  29",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(lines), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestCalendarCmd_RejectsBadMonth(t *testing.T) {
	t.Parallel()

	cmd := newCalendarCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--month", "2024/02"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for bad --month")
	}
}

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 12, 30, 0, 0, time.Local)
	tests := []struct {
		name string
		msg  chat.Message
		want string
	}{
		{name: "outgoing", msg: chat.Message{SenderName: "Alice", Text: "hi", SentAt: at, Direction: chat.Outgoing}, want: "[12:30] you: hi"},
		{name: "incoming", msg: chat.Message{SenderName: "Bob", Text: "yo", SentAt: at}, want: "[12:30] Bob: yo"},
		{name: "no name", msg: chat.Message{SenderID: "bob", Text: "yo", SentAt: at}, want: "[12:30] bob: yo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatMessage(tt.msg); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestRelativeTimeAndTruncate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	tests := []struct {
		at   time.Time
		want string
	}{
		{at: now.Add(-10 * time.Second), want: "now"},
		{at: now.Add(-5 * time.Minute), want: "5m"},
		{at: now.Add(-3 * time.Hour), want: "3h"},
		{at: time.Date(2024, 3, 1, 8, 0, 0, 0, time.Local), want: "Mar 1"},
	}
	for _, tt := range tests {
		if got := relativeTime(tt.at, now); got != tt.want {
			t.Fatalf("relativeTime(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}

	if got := truncate("héllo world", 5); got != "héll…" {
		t.Fatalf("truncate: got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate: got %q", got)
	}
}
