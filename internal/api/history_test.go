package api

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/trading-engine/internal/model"
)

func TestParseHistoryWindow(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		rng  string
		from time.Time
	}{
		{"1D", now.Add(-24 * time.Hour)},
		{"1w", now.AddDate(0, 0, -7)},
		{"1M", time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)}, // Feb 31 normalises
		{"3M", now.AddDate(0, -3, 0)},
		{"1Y", time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)},
		{"ALL", time.Time{}},
		{"", time.Time{}},
	}
	for _, tc := range cases {
		w, err := ParseHistoryWindow(tc.rng, "", "", now)
		if err != nil {
			t.Fatalf("range %q: %v", tc.rng, err)
		}
		if !w.From.Equal(tc.from) {
			t.Errorf("range %q: from = %s, want %s", tc.rng, w.From, tc.from)
		}
		if !w.To.IsZero() {
			t.Errorf("range %q: expected open upper bound", tc.rng)
		}
	}
}

func TestParseHistoryWindow_ExplicitBounds(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	w, err := ParseHistoryWindow("1Y", "2026-01-01T00:00:00Z", "2026-02-01T00:00:00+01:00", now)
	if err != nil {
		t.Fatal(err)
	}
	if !w.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected from %s", w.From)
	}
	if !w.To.Equal(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected to %s", w.To)
	}

	bad := []struct{ rng, from, to string }{
		{"2D", "", ""},
		{"ALL", "yesterday", ""},
		{"ALL", "", "2026-13-01T00:00:00Z"},
		{"ALL", "2026-02-01T00:00:00Z", "2026-01-01T00:00:00Z"},
	}
	for _, b := range bad {
		if _, err := ParseHistoryWindow(b.rng, b.from, b.to, now); !errors.Is(err, model.ErrValidation) {
			t.Errorf("ParseHistoryWindow(%q, %q, %q): expected validation error, got %v", b.rng, b.from, b.to, err)
		}
	}
}
