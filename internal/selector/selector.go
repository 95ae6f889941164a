package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hasnat0006/TLE/internal/cfapi"
)

// ErrNoCandidates means the filter left nothing to pick from. Callers
// decide whether to widen the rating band and retry.
var ErrNoCandidates = errors.New("selector: no eligible problems")

// Filter narrows a problem snapshot before the random draw.
type Filter struct {
	// MinRating and MaxRating bound the difficulty band, inclusive.
	// Unrated problems never match a banded filter.
	MinRating int
	MaxRating int
	// Tags, when non-empty, requires at least one matching tag.
	Tags []string
	// Exclude holds problem IDs (see cfapi.Problem.ID) already used for
	// this pairing or already solved by a participant.
	Exclude map[string]bool
}

func (f Filter) matches(p cfapi.Problem) bool {
	if !p.Rated() {
		return false
	}
	if *p.Rating < f.MinRating || *p.Rating > f.MaxRating {
		return false
	}
	if len(f.Tags) > 0 && !p.HasAnyTag(f.Tags) {
		return false
	}
	if f.Exclude[p.ID()] {
		return false
	}
	return true
}

// Selector picks problems uniformly at random from a filtered snapshot.
// A fixed seed over a fixed snapshot yields a fixed pick, which the
// tests rely on.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Selector with the given seed.
func New(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// NewSystem returns a Selector seeded from the wall clock.
func NewSystem() *Selector {
	return New(time.Now().UnixNano())
}

// Pick filters pool and draws one problem uniformly at random.
func (s *Selector) Pick(pool []cfapi.Problem, f Filter) (*cfapi.Problem, error) {
	candidates := make([]cfapi.Problem, 0, len(pool))
	for _, p := range pool {
		if f.matches(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	// Canonical order first: the draw must not depend on snapshot order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID() < candidates[j].ID() })

	s.mu.Lock()
	idx := s.rng.Intn(len(candidates))
	s.mu.Unlock()

	picked := candidates[idx]
	return &picked, nil
}
