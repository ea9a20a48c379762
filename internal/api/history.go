package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/atmx/trading-engine/internal/model"
)

// History ranges accepted by GET /portfolio/history.
const (
	Range1D  = "1D"
	Range1W  = "1W"
	Range1M  = "1M"
	Range3M  = "3M"
	Range1Y  = "1Y"
	RangeAll = "ALL"
)

// HistoryWindow is a resolved [From, To] query window. A zero bound is
// open.
type HistoryWindow struct {
	Range string    `json:"range"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// ParseHistoryWindow resolves a named range relative to now. Explicit
// RFC 3339 from/to values override the range's bounds.
func ParseHistoryWindow(rng, from, to string, now time.Time) (HistoryWindow, error) {
	rng = strings.ToUpper(strings.TrimSpace(rng))
	if rng == "" {
		rng = RangeAll
	}
	w := HistoryWindow{Range: rng}

	switch rng {
	case Range1D:
		w.From = now.Add(-24 * time.Hour)
	case Range1W:
		w.From = now.AddDate(0, 0, -7)
	case Range1M:
		w.From = now.AddDate(0, -1, 0)
	case Range3M:
		w.From = now.AddDate(0, -3, 0)
	case Range1Y:
		w.From = now.AddDate(-1, 0, 0)
	case RangeAll:
	default:
		return HistoryWindow{}, fmt.Errorf("%w: range must be one of 1D, 1W, 1M, 3M, 1Y, ALL", model.ErrValidation)
	}

	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return HistoryWindow{}, fmt.Errorf("%w: from: %v", model.ErrValidation, err)
		}
		w.From = t.UTC()
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return HistoryWindow{}, fmt.Errorf("%w: to: %v", model.ErrValidation, err)
		}
		w.To = t.UTC()
	}
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return HistoryWindow{}, fmt.Errorf("%w: to is before from", model.ErrValidation)
	}
	return w, nil
}
