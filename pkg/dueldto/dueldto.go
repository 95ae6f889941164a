// Package dueldto defines the structured values the duel core hands to
// whatever presentation layer sits on top of it. The core never formats
// user-facing text; these structs carry everything a renderer needs.
package dueldto

import "time"

// ProblemRef identifies an assigned problem without dragging the full
// platform payload across the boundary.
type ProblemRef struct {
	ContestID int      `json:"contest_id"`
	Index     string   `json:"index"`
	Name      string   `json:"name"`
	Rating    *int     `json:"rating,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	URL       string   `json:"url"`
}

// RatingDelta is one participant's settlement outcome.
type RatingDelta struct {
	Handle    string `json:"handle"`
	Delta     int    `json:"delta"`
	NewRating int    `json:"new_rating"`
}

// DuelState is the full externally visible snapshot of a duel.
type DuelState struct {
	ID         string       `json:"id"`
	Challenger string       `json:"challenger"`
	Opponent   string       `json:"opponent"`
	Status     string       `json:"status"`
	Outcome    string       `json:"outcome,omitempty"`
	Problem    *ProblemRef  `json:"problem,omitempty"`
	IssuedAt   time.Time    `json:"issued_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	Deadline   *time.Time   `json:"deadline,omitempty"`
	Deltas     []RatingDelta `json:"deltas,omitempty"`
}

// ChallengeResult is returned by challenge and accept operations.
type ChallengeResult struct {
	Duel DuelState `json:"duel"`
}

// ClaimResult is returned by claim: either the duel settled or the claim
// was rejected and the duel kept running.
type ClaimResult struct {
	Duel     DuelState `json:"duel"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
}

// StatusResult is returned by status checks; lazy deadline transitions
// may have fired during the check.
type StatusResult struct {
	Duel DuelState `json:"duel"`
}
