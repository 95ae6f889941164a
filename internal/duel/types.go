package duel

import (
	"errors"
	"fmt"
	"time"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/pkg/dueldto"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOngoing   Status = "ONGOING"
	StatusTesting   Status = "TESTING"
	StatusFinished  Status = "FINISHED"
	StatusForfeited Status = "FORFEITED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusForfeited, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeChallengerWin Outcome = "CHALLENGER_WIN"
	OutcomeOpponentWin   Outcome = "OPPONENT_WIN"
	OutcomeDraw          Outcome = "DRAW"
	OutcomeForfeit       Outcome = "FORFEIT"
	OutcomeCancelled     Outcome = "CANCELLED"
)

var (
	ErrNotFound                = errors.New("duel not found")
	ErrNotParticipant          = errors.New("caller is not a participant of this duel")
	ErrWrongState              = errors.New("operation not valid in the duel's current state")
	ErrVerificationUnavailable = errors.New("platform verification unavailable")
)

// ConflictError rejects an operation that would break the active-duel
// invariants, with a reason the presentation layer can render.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "duel conflict: " + e.Reason }

// Constraints narrows the problem pool for a challenge.
type Constraints struct {
	MinRating int
	MaxRating int
	Tags      []string
}

// Duel is the engine-owned record. Snapshots crossing the boundary are
// copied into dueldto values; nothing outside the engine holds a *Duel.
type Duel struct {
	ID         string
	Challenger string
	Opponent   string
	Status     Status
	Outcome    Outcome
	Problem    *cfapi.Problem
	Constraints Constraints

	IssuedAt  time.Time
	StartedAt time.Time
	Deadline  time.Time

	// Winner is set on FINISHED/FORFEITED before settlement.
	Winner string

	deltas []dueldto.RatingDelta
}

func (d *Duel) snapshot() dueldto.DuelState {
	st := dueldto.DuelState{
		ID:         d.ID,
		Challenger: d.Challenger,
		Opponent:   d.Opponent,
		Status:     string(d.Status),
		Outcome:    string(d.Outcome),
		IssuedAt:   d.IssuedAt,
		Deltas:     append([]dueldto.RatingDelta(nil), d.deltas...),
	}
	if !d.StartedAt.IsZero() {
		t := d.StartedAt
		st.StartedAt = &t
	}
	if !d.Deadline.IsZero() {
		t := d.Deadline
		st.Deadline = &t
	}
	if d.Problem != nil {
		st.Problem = problemRef(d.Problem)
	}
	return st
}

func problemRef(p *cfapi.Problem) *dueldto.ProblemRef {
	return &dueldto.ProblemRef{
		ContestID: p.ContestID,
		Index:     p.Index,
		Name:      p.Name,
		Rating:    p.Rating,
		Tags:      append([]string(nil), p.Tags...),
		URL:       fmt.Sprintf("https://codeforces.com/contest/%d/problem/%s", p.ContestID, p.Index),
	}
}
