package rating

import "math"

// Elo computes zero-sum rating deltas from the standard expected-score
// formula. K and Base come from configuration, never hard-coded call
// sites.
type Elo struct {
	// K bounds the per-duel swing.
	K int
	// Base is the rating gap giving 10-to-1 odds; 400 in the classic
	// system.
	Base float64
}

// NewElo returns an Elo calculator with the classic 400-point base.
func NewElo(k int) Elo {
	return Elo{K: k, Base: 400}
}

// Expected returns the expected score of a against b in [0,1].
func (e Elo) Expected(a, b int) float64 {
	return 1 / (1 + math.Pow(10, float64(b-a)/e.Base))
}

// Deltas returns the rating adjustments for a and b given a's actual
// score (1 win, 0.5 draw, 0 loss). The pair always sums to zero: b's
// delta is the negation of a's rounded delta.
func (e Elo) Deltas(ratingA, ratingB int, scoreA float64) (int, int) {
	da := int(math.Round(float64(e.K) * (scoreA - e.Expected(ratingA, ratingB))))
	return da, -da
}
