package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	if got, want := stripANSI(in), "INFO plain ERR"; got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "ws").WithGroup("req").Info("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"err", "not found",
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"component=ws",
		"req.method=GET",
		"req.status=404",
		"req.status_class=4xx",
		`req.err="not found"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
}

func TestPrettyValue_Colors(t *testing.T) {
	t.Parallel()

	h := &prettyHandler{color: true}
	cases := []struct {
		key   string
		value slog.Value
		plain string
		color string
	}{
		{key: "method", value: slog.StringValue("post"), plain: "POST", color: ansiCyan},
		{key: "status", value: slog.IntValue(503), plain: "503", color: ansiRed},
		{key: "status", value: slog.IntValue(201), plain: "201", color: ansiGreen},
		{key: "duration_ms", value: slog.Int64Value(1500), plain: "1500ms", color: ansiRed},
		{key: "code", value: slog.StringValue("forbidden"), plain: "forbidden", color: ansiRed},
		{key: "code", value: slog.StringValue("ok"), plain: "ok", color: ansiGreen},
	}
	for _, tc := range cases {
		got := h.prettyValue(tc.key, tc.value)
		if stripANSI(got) != tc.plain || !strings.HasPrefix(got, tc.color) {
			t.Fatalf("%s=%v: got %q, want %q in %q", tc.key, tc.value, got, tc.plain, tc.color)
		}
	}
}

func TestValueToString(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   slog.Value
		want string
	}{
		{slog.StringValue("x"), "x"},
		{slog.Int64Value(-3), "-3"},
		{slog.BoolValue(true), "true"},
		{slog.DurationValue(1500 * time.Millisecond), "1.5s"},
		{slog.TimeValue(at), "2025-03-01T12:00:00Z"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.in); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
	if got := quoteIfNeeded(""); got != `""` {
		t.Fatalf("empty value must be quoted, got %s", got)
	}
}
