package rating

import (
	"context"
	"errors"
	"time"
)

// Sentinel results for settlement writes.
var (
	// ErrAlreadySettled means the duel id was settled before; the write
	// was not applied again.
	ErrAlreadySettled = errors.New("rating: duel already settled")
	// ErrStoreUnavailable wraps infrastructure failures; the caller may
	// retry the settlement later.
	ErrStoreUnavailable = errors.New("rating: store unavailable")
)

// Result is one participant's side of a duel outcome.
type Result string

const (
	ResultWin  Result = "win"
	ResultLoss Result = "loss"
	ResultDraw Result = "draw"
)

// Record is one handle's duel-rating state. The duel rating is distinct
// from the platform rating.
type Record struct {
	Handle    string    `json:"handle"`
	Rating    int       `json:"rating"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Draws     int       `json:"draws"`
	History   []string  `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) apply(duelID string, d HandleDelta) {
	r.Rating += d.Rating
	switch d.Result {
	case ResultWin:
		r.Wins++
	case ResultLoss:
		r.Losses++
	case ResultDraw:
		r.Draws++
	}
	r.History = append(r.History, duelID)
	r.UpdatedAt = time.Now()
}

// HandleDelta is one handle's share of a settlement.
type HandleDelta struct {
	Rating int
	Result Result
}

// Store persists duel ratings. GetRating creates a default record on
// first access. ApplyOutcome must be idempotent per duel id and must
// serialize read-modify-write per handle.
type Store interface {
	GetRating(ctx context.Context, handle string) (*Record, error)
	ApplyOutcome(ctx context.Context, duelID string, deltas map[string]HandleDelta) error
	IsSettled(ctx context.Context, duelID string) (bool, error)
}
