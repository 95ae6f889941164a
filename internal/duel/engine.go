package duel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/metrics"
	"github.com/hasnat0006/TLE/internal/obslog"
	"github.com/hasnat0006/TLE/internal/rating"
	"github.com/hasnat0006/TLE/internal/selector"
	"github.com/hasnat0006/TLE/pkg/dueldto"
)

// ProblemSource yields the current problemset snapshot. Satisfied by
// cache.Registry; duels tolerate a stale snapshot.
type ProblemSource interface {
	Problems(ctx context.Context) ([]cfapi.Problem, error)
}

// SubmissionSource is the direct, uncached verification path. Satisfied
// by cfapi.Client; claim checks need fresh data, never cached.
type SubmissionSource interface {
	UserStatus(ctx context.Context, handle string, contestID int, count int) ([]cfapi.Submission, error)
}

type Config struct {
	ChallengeTimeout time.Duration
	Duration         time.Duration
	KFactor          int
	ExpireAsDraw     bool
	AllowSelfDuel    bool
	VerifyMaxRetries int
}

// Engine owns every duel for its lifetime. Exclusion is scoped to the
// single duel being touched: the engine mutex guards only the indexes,
// each duel carries its own lock, so unrelated duels never contend.
type Engine struct {
	cfg      Config
	problems ProblemSource
	subs     SubmissionSource
	sel      *selector.Selector
	store    rating.Store
	elo      rating.Elo
	repo     *Repository

	now func() time.Time

	mu     sync.Mutex
	duels  map[string]*slot
	active map[string]string // handle -> active duel id

	// terminal duels whose store write failed; retried on status access
	settlePending map[string]bool
}

type slot struct {
	mu sync.Mutex
	d  *Duel
}

type EngineOption func(*Engine)

// WithClock substitutes the wall-clock read, for deadline tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithRepository attaches the optional duel history store.
func WithRepository(repo *Repository) EngineOption {
	return func(e *Engine) { e.repo = repo }
}

func NewEngine(cfg Config, problems ProblemSource, subs SubmissionSource, sel *selector.Selector, store rating.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:           cfg,
		problems:      problems,
		subs:          subs,
		sel:           sel,
		store:         store,
		elo:           rating.NewElo(cfg.KFactor),
		now:           time.Now,
		duels:         make(map[string]*slot),
		active:        make(map[string]string),
		settlePending: make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Challenge issues a PENDING duel from challenger to opponent. At most
// one active duel per handle; the second of two racing challenges over
// the same pair loses with a conflict.
func (e *Engine) Challenge(ctx context.Context, challenger, opponent string, cons Constraints) (*dueldto.ChallengeResult, error) {
	if challenger == "" || opponent == "" {
		return nil, &ConflictError{Reason: "both handles are required"}
	}
	if challenger == opponent && !e.cfg.AllowSelfDuel {
		return nil, &ConflictError{Reason: "self-duels are disabled"}
	}

	// Let any timed-out duel held by either handle expire first, so a
	// dead PENDING challenge does not block a new one.
	e.expireStale(ctx, challenger)
	e.expireStale(ctx, opponent)

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.active[challenger]; ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("%s already has an active duel (%s)", challenger, id)}
	}
	if id, ok := e.active[opponent]; ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("%s already has an active duel (%s)", opponent, id)}
	}

	now := e.now()
	d := &Duel{
		ID:          uuid.NewString(),
		Challenger:  challenger,
		Opponent:    opponent,
		Status:      StatusPending,
		Constraints: cons,
		IssuedAt:    now,
		Deadline:    now.Add(e.cfg.ChallengeTimeout),
	}
	e.duels[d.ID] = &slot{d: d}
	e.active[challenger] = d.ID
	e.active[opponent] = d.ID
	metrics.DuelTransitions.WithLabelValues(string(StatusPending)).Inc()

	obslog.L().Info("duel_challenged",
		zap.String("duel_id", d.ID),
		zap.String("challenger", challenger),
		zap.String("opponent", opponent),
	)
	return &dueldto.ChallengeResult{Duel: d.snapshot()}, nil
}

// Accept moves a PENDING duel to ONGOING: both exclusion sets and a
// rating band from the participants' duel ratings feed the selector.
// An empty candidate set cancels the duel.
func (e *Engine) Accept(ctx context.Context, duelID, handle string) (*dueldto.ChallengeResult, error) {
	s, err := e.slotFor(duelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.d

	e.touch(ctx, d)
	if d.Status != StatusPending {
		return nil, fmt.Errorf("%w: duel is %s", ErrWrongState, d.Status)
	}
	if handle != d.Opponent {
		return nil, ErrNotParticipant
	}

	challRec, err := e.store.GetRating(ctx, d.Challenger)
	if err != nil {
		return nil, err
	}
	oppRec, err := e.store.GetRating(ctx, d.Opponent)
	if err != nil {
		return nil, err
	}

	pool, err := e.problems.Problems(ctx)
	if err != nil {
		return nil, err
	}
	filter := e.buildFilter(ctx, d, challRec.Rating, oppRec.Rating)
	p, err := e.sel.Pick(pool, filter)
	if errors.Is(err, selector.ErrNoCandidates) {
		e.finalize(ctx, d, StatusCancelled, OutcomeCancelled, "")
		return &dueldto.ChallengeResult{Duel: d.snapshot()}, fmt.Errorf("no eligible problem for this pairing: %w", err)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	d.Problem = p
	d.Status = StatusOngoing
	d.StartedAt = now
	d.Deadline = now.Add(e.cfg.Duration)
	metrics.DuelTransitions.WithLabelValues(string(StatusOngoing)).Inc()

	obslog.L().Info("duel_started",
		zap.String("duel_id", d.ID),
		zap.String("problem", p.ID()),
		zap.Time("deadline", d.Deadline),
	)
	return &dueldto.ChallengeResult{Duel: d.snapshot()}, nil
}

// Decline cancels a PENDING duel. The opponent declines or the
// challenger withdraws; anyone else is rejected.
func (e *Engine) Decline(ctx context.Context, duelID, handle string) (*dueldto.StatusResult, error) {
	s, err := e.slotFor(duelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.d

	e.touch(ctx, d)
	if d.Status != StatusPending {
		return nil, fmt.Errorf("%w: duel is %s", ErrWrongState, d.Status)
	}
	if handle != d.Challenger && handle != d.Opponent {
		return nil, ErrNotParticipant
	}
	e.finalize(ctx, d, StatusCancelled, OutcomeCancelled, "")
	return &dueldto.StatusResult{Duel: d.snapshot()}, nil
}

// Claim handles a participant's completion claim: ONGOING moves to
// TESTING, verification runs against fresh submission data, and the
// duel either settles, returns to ONGOING, or stays TESTING when the
// platform is unreachable.
func (e *Engine) Claim(ctx context.Context, duelID, handle string) (*dueldto.ClaimResult, error) {
	s, err := e.slotFor(duelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.d

	e.touch(ctx, d)
	if handle != d.Challenger && handle != d.Opponent {
		return nil, ErrNotParticipant
	}
	if d.Status != StatusOngoing && d.Status != StatusTesting {
		return nil, fmt.Errorf("%w: duel is %s", ErrWrongState, d.Status)
	}

	if d.Status == StatusOngoing {
		d.Status = StatusTesting
		metrics.DuelTransitions.WithLabelValues(string(StatusTesting)).Inc()
	}

	winner, err := e.verify(ctx, d)
	if err != nil {
		// Stays TESTING; an admin or a later claim resolves it.
		return &dueldto.ClaimResult{Duel: d.snapshot(), Accepted: false, Reason: "verification unavailable"}, err
	}
	if winner == "" {
		if e.now().After(d.Deadline) {
			e.expire(ctx, d)
			return &dueldto.ClaimResult{Duel: d.snapshot(), Accepted: false, Reason: "no accepted submission before the deadline"}, nil
		}
		d.Status = StatusOngoing
		metrics.DuelTransitions.WithLabelValues(string(StatusOngoing)).Inc()
		return &dueldto.ClaimResult{Duel: d.snapshot(), Accepted: false, Reason: "no accepted submission found"}, nil
	}

	outcome := OutcomeChallengerWin
	if winner == d.Opponent {
		outcome = OutcomeOpponentWin
	}
	e.finalize(ctx, d, StatusFinished, outcome, winner)
	return &dueldto.ClaimResult{Duel: d.snapshot(), Accepted: true}, nil
}

// Forfeit ends any non-terminal duel, counting as a loss for the
// forfeiting participant.
func (e *Engine) Forfeit(ctx context.Context, duelID, handle string) (*dueldto.StatusResult, error) {
	s, err := e.slotFor(duelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.d

	e.touch(ctx, d)
	if d.Status.Terminal() {
		return nil, fmt.Errorf("%w: duel is %s", ErrWrongState, d.Status)
	}
	if handle != d.Challenger && handle != d.Opponent {
		return nil, ErrNotParticipant
	}
	winner := d.Challenger
	if handle == d.Challenger {
		winner = d.Opponent
	}
	e.finalize(ctx, d, StatusForfeited, OutcomeForfeit, winner)
	return &dueldto.StatusResult{Duel: d.snapshot()}, nil
}

// Status returns the duel snapshot, firing any lazy deadline transition
// and retrying a failed settlement first.
func (e *Engine) Status(ctx context.Context, duelID string) (*dueldto.StatusResult, error) {
	s, err := e.slotFor(duelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.d

	e.touch(ctx, d)
	e.retrySettlement(ctx, d)
	return &dueldto.StatusResult{Duel: d.snapshot()}, nil
}

// ActiveDuel returns the id of the handle's active duel, if any.
func (e *Engine) ActiveDuel(handle string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[handle]
	return id, ok
}

func (e *Engine) slotFor(duelID string) (*slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.duels[duelID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// touch fires deadline transitions lazily; every operation calls it
// before acting so an action arriving after a deadline sees the
// expired state, not the stale one.
func (e *Engine) touch(ctx context.Context, d *Duel) {
	if d.Status.Terminal() || e.now().Before(d.Deadline) {
		return
	}
	switch d.Status {
	case StatusPending:
		e.finalize(ctx, d, StatusCancelled, OutcomeCancelled, "")
	case StatusOngoing:
		e.expire(ctx, d)
	}
	// TESTING has no deadline of its own; verification owns it.
}

func (e *Engine) expireStale(ctx context.Context, handle string) {
	e.mu.Lock()
	id, ok := e.active[handle]
	s := e.duels[id]
	e.mu.Unlock()
	if !ok || s == nil {
		return
	}
	s.mu.Lock()
	e.touch(ctx, s.d)
	s.mu.Unlock()
}

func (e *Engine) expire(ctx context.Context, d *Duel) {
	outcome := OutcomeCancelled
	if e.cfg.ExpireAsDraw && d.Problem != nil {
		outcome = OutcomeDraw
	}
	e.finalize(ctx, d, StatusExpired, outcome, "")
}

// finalize performs a terminal transition: status, outcome, index
// cleanup, exactly-once settlement, history persistence.
func (e *Engine) finalize(ctx context.Context, d *Duel, st Status, outcome Outcome, winner string) {
	d.Status = st
	d.Outcome = outcome
	d.Winner = winner
	metrics.DuelTransitions.WithLabelValues(string(st)).Inc()

	e.mu.Lock()
	if e.active[d.Challenger] == d.ID {
		delete(e.active, d.Challenger)
	}
	if e.active[d.Opponent] == d.ID {
		delete(e.active, d.Opponent)
	}
	e.mu.Unlock()

	e.settle(ctx, d)
	e.persist(ctx, d)

	obslog.L().Info("duel_finished",
		zap.String("duel_id", d.ID),
		zap.String("status", string(st)),
		zap.String("outcome", string(outcome)),
	)
}

// settle applies the zero-sum rating write. AlreadySettled from the
// store counts as success; any other failure parks the duel in the
// retry set so the write is never lost.
func (e *Engine) settle(ctx context.Context, d *Duel) {
	if d.Outcome == OutcomeCancelled {
		return
	}

	challRec, err := e.store.GetRating(ctx, d.Challenger)
	if err != nil {
		e.parkSettlement(d, err)
		return
	}
	oppRec, err := e.store.GetRating(ctx, d.Opponent)
	if err != nil {
		e.parkSettlement(d, err)
		return
	}

	scoreA := 0.5
	challRes, oppRes := rating.ResultDraw, rating.ResultDraw
	switch {
	case d.Winner == d.Challenger:
		scoreA, challRes, oppRes = 1, rating.ResultWin, rating.ResultLoss
	case d.Winner == d.Opponent:
		scoreA, challRes, oppRes = 0, rating.ResultLoss, rating.ResultWin
	}
	da, db := e.elo.Deltas(challRec.Rating, oppRec.Rating, scoreA)

	err = e.store.ApplyOutcome(ctx, d.ID, map[string]rating.HandleDelta{
		d.Challenger: {Rating: da, Result: challRes},
		d.Opponent:   {Rating: db, Result: oppRes},
	})
	switch {
	case err == nil, errors.Is(err, rating.ErrAlreadySettled):
		d.deltas = []dueldto.RatingDelta{
			{Handle: d.Challenger, Delta: da, NewRating: challRec.Rating + da},
			{Handle: d.Opponent, Delta: db, NewRating: oppRec.Rating + db},
		}
		metrics.DuelSettlements.WithLabelValues(string(d.Outcome)).Inc()
		e.mu.Lock()
		delete(e.settlePending, d.ID)
		e.mu.Unlock()
	default:
		e.parkSettlement(d, err)
	}
}

func (e *Engine) parkSettlement(d *Duel, err error) {
	e.mu.Lock()
	e.settlePending[d.ID] = true
	e.mu.Unlock()
	obslog.L().Error("duel_settlement_deferred",
		zap.String("duel_id", d.ID),
		zap.Error(err),
	)
}

func (e *Engine) retrySettlement(ctx context.Context, d *Duel) {
	e.mu.Lock()
	pending := e.settlePending[d.ID]
	e.mu.Unlock()
	if !pending {
		return
	}
	e.settle(ctx, d)
	e.persist(ctx, d)
}

func (e *Engine) persist(ctx context.Context, d *Duel) {
	if err := e.repo.SaveResult(ctx, d); err != nil {
		obslog.L().Error("duel_history_save_failed",
			zap.String("duel_id", d.ID),
			zap.Error(err),
		)
	}
}

// buildFilter derives the selection constraints: explicit challenge
// constraints win, otherwise a band around the pair's mean duel rating.
// The exclusion set covers problems either participant already solved
// plus anything previously assigned to them here.
func (e *Engine) buildFilter(ctx context.Context, d *Duel, challRating, oppRating int) selector.Filter {
	f := selector.Filter{
		MinRating: d.Constraints.MinRating,
		MaxRating: d.Constraints.MaxRating,
		Tags:      d.Constraints.Tags,
		Exclude:   make(map[string]bool),
	}
	if f.MinRating == 0 && f.MaxRating == 0 {
		mid := (challRating + oppRating) / 2
		f.MinRating = mid - 100
		f.MaxRating = mid + 200
	} else if f.MaxRating == 0 {
		f.MaxRating = 3500
	}

	for _, h := range []string{d.Challenger, d.Opponent} {
		subs, err := e.subs.UserStatus(ctx, h, 0, 200)
		if err != nil {
			// Best effort: a participant may be assigned a problem
			// they solved long ago if the platform is down right now.
			obslog.L().Warn("exclusion_fetch_failed", zap.String("handle", h), zap.Error(err))
			continue
		}
		for _, sub := range subs {
			if sub.Accepted() {
				f.Exclude[sub.Problem.ID()] = true
			}
		}
	}
	return f
}
