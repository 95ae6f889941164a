package cfapi

import (
	"fmt"
	"time"
)

// Phase is a contest lifecycle phase as reported by the platform.
type Phase string

const (
	PhaseBefore            Phase = "BEFORE"
	PhaseCoding            Phase = "CODING"
	PhasePendingSystemTest Phase = "PENDING_SYSTEM_TEST"
	PhaseSystemTest        Phase = "SYSTEM_TEST"
	PhaseFinished          Phase = "FINISHED"
)

// Problem is one problemset entry. Immutable once fetched; the cache
// replaces whole snapshots, never patches entries.
type Problem struct {
	ContestID int      `json:"contestId"`
	Index     string   `json:"index"`
	Name      string   `json:"name"`
	Rating    *int     `json:"rating,omitempty"`
	Tags      []string `json:"tags"`
}

// ID returns the canonical problem key, e.g. "1538/F".
func (p Problem) ID() string {
	return fmt.Sprintf("%d/%s", p.ContestID, p.Index)
}

// Rated reports whether the problem carries a difficulty rating.
func (p Problem) Rated() bool { return p.Rating != nil }

// HasAnyTag reports whether the problem carries at least one of the given tags.
func (p Problem) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range p.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Contest is one contest.list entry.
type Contest struct {
	ID               int   `json:"id"`
	Name             string `json:"name"`
	Phase            Phase  `json:"phase"`
	DurationSeconds  int64  `json:"durationSeconds"`
	StartTimeSeconds int64  `json:"startTimeSeconds"`
}

// StartTime returns the contest start as wall-clock time.
func (c Contest) StartTime() time.Time { return time.Unix(c.StartTimeSeconds, 0) }

// Verdict is a submission verdict string.
type Verdict string

const (
	VerdictOK                Verdict = "OK"
	VerdictWrongAnswer       Verdict = "WRONG_ANSWER"
	VerdictTimeLimitExceeded Verdict = "TIME_LIMIT_EXCEEDED"
	VerdictCompilationError  Verdict = "COMPILATION_ERROR"
	VerdictTesting           Verdict = "TESTING"
)

// Submission is one user.status entry, trimmed to the fields the bot
// inspects.
type Submission struct {
	ID                  int64   `json:"id"`
	ContestID           int     `json:"contestId"`
	CreationTimeSeconds int64   `json:"creationTimeSeconds"`
	Problem             Problem `json:"problem"`
	Verdict             Verdict `json:"verdict"`
}

// CreationTime returns the submission timestamp as wall-clock time.
func (s Submission) CreationTime() time.Time { return time.Unix(s.CreationTimeSeconds, 0) }

// Accepted reports whether the submission passed all tests.
func (s Submission) Accepted() bool { return s.Verdict == VerdictOK }

// RatingSnapshot is the current platform rating of one handle.
type RatingSnapshot struct {
	Handle    string    `json:"handle"`
	Rating    int       `json:"rating"`
	MaxRating int       `json:"maxRating"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Rank is a platform title band keyed by rating.
type Rank struct {
	Low   int
	High  int
	Title string
}

var ranks = []Rank{
	{0, 1200, "Newbie"},
	{1200, 1400, "Pupil"},
	{1400, 1600, "Specialist"},
	{1600, 1900, "Expert"},
	{1900, 2100, "Candidate Master"},
	{2100, 2300, "Master"},
	{2300, 2400, "International Master"},
	{2400, 2600, "Grandmaster"},
	{2600, 3000, "International Grandmaster"},
	{3000, 1 << 30, "Legendary Grandmaster"},
}

// RankOf maps a rating to its title band.
func RankOf(rating int) Rank {
	for _, r := range ranks {
		if rating >= r.Low && rating < r.High {
			return r
		}
	}
	return ranks[0]
}
