package realtime

import (
	"net/http/httptest"
	"slices"
	"testing"
)

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	p := originPolicy{required: true, allowed: []string{"http://localhost", "https://chat.example.com:8443"}}
	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "http://localhost:5173", ok: true},
		{origin: "https://chat.example.com", ok: true},
		{origin: "https://evil.example.com", ok: false},
		{origin: "", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if err := p.check(r); (err == nil) != tc.ok {
			t.Fatalf("origin %q: ok=%v err=%v", tc.origin, tc.ok, err)
		}
	}

	if got := p.patterns(); !slices.Equal(got, []string{"chat.example.com", "localhost"}) {
		t.Fatalf("patterns=%v", got)
	}

	open := originPolicy{required: false}
	if err := open.check(httptest.NewRequest("GET", "/ws", nil)); err != nil {
		t.Fatalf("missing origin allowed when not required: %v", err)
	}
}
