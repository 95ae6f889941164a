package duel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/rating"
	"github.com/hasnat0006/TLE/internal/selector"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeProblems struct {
	pool []cfapi.Problem
}

func (f *fakeProblems) Problems(context.Context) ([]cfapi.Problem, error) {
	return f.pool, nil
}

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string][]cfapi.Submission
	errs map[string]error
}

func (f *fakeSubs) UserStatus(_ context.Context, handle string, _ int, _ int) ([]cfapi.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[handle]; err != nil {
		return nil, err
	}
	return f.subs[handle], nil
}

func (f *fakeSubs) accept(handle string, p cfapi.Problem, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string][]cfapi.Submission)
	}
	f.subs[handle] = append(f.subs[handle], cfapi.Submission{
		ContestID:           p.ContestID,
		CreationTimeSeconds: at.Unix(),
		Problem:             p,
		Verdict:             cfapi.VerdictOK,
	})
}

func prob(contestID int, index string, rated int) cfapi.Problem {
	return cfapi.Problem{ContestID: contestID, Index: index, Name: index, Rating: &rated}
}

type testEnv struct {
	engine *Engine
	clock  *fakeClock
	subs   *fakeSubs
	store  rating.Store
}

func newTestEnv(t *testing.T, store rating.Store) *testEnv {
	t.Helper()
	if store == nil {
		store = rating.NewMemoryStore(1500)
	}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	subs := &fakeSubs{}
	pool := &fakeProblems{pool: []cfapi.Problem{
		prob(1500, "A", 1400),
		prob(1500, "B", 1600),
		prob(1600, "C", 1700),
	}}
	cfg := Config{
		ChallengeTimeout: 300 * time.Second,
		Duration:         2 * time.Hour,
		KFactor:          32,
		ExpireAsDraw:     true,
		VerifyMaxRetries: 1,
	}
	e := NewEngine(cfg, pool, subs, selector.New(42), store, WithClock(clk.Now))
	return &testEnv{engine: e, clock: clk, subs: subs, store: store}
}

func startDuel(t *testing.T, env *testEnv, a, b string, cons Constraints) *Duel {
	t.Helper()
	ctx := context.Background()
	ch, err := env.engine.Challenge(ctx, a, b, cons)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	if _, err := env.engine.Accept(ctx, ch.Duel.ID, b); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	s, _ := env.engine.slotFor(ch.Duel.ID)
	return s.d
}

func TestChallengerWinAdjustsRatingsByK(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{MinRating: 1600, MaxRating: 1600})
	if d.Problem == nil || *d.Problem.Rating != 1600 {
		t.Fatalf("expected a 1600-rated problem, got %+v", d.Problem)
	}

	env.clock.Advance(10 * time.Minute)
	env.subs.accept("alice", *d.Problem, env.clock.Now())

	res, err := env.engine.Claim(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !res.Accepted || res.Duel.Status != string(StatusFinished) || res.Duel.Outcome != string(OutcomeChallengerWin) {
		t.Fatalf("unexpected claim result: %+v", res)
	}

	// 1500 vs 1500, K=32: expected score 0.5, winner gains K/2.
	a, _ := env.store.GetRating(ctx, "alice")
	b, _ := env.store.GetRating(ctx, "bob")
	if a.Rating != 1516 || b.Rating != 1484 {
		t.Fatalf("ratings: alice=%d bob=%d, want 1516/1484", a.Rating, b.Rating)
	}
	if a.Wins != 1 || b.Losses != 1 {
		t.Fatalf("counters: %+v %+v", a, b)
	}
}

func TestChallengeTimeoutCancelsOnStatusCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ch, err := env.engine.Challenge(ctx, "alice", "bob", Constraints{})
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	env.clock.Advance(301 * time.Second)

	st, err := env.engine.Status(ctx, ch.Duel.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Duel.Status != string(StatusCancelled) || st.Duel.Outcome != string(OutcomeCancelled) {
		t.Fatalf("want CANCELLED after timeout, got %+v", st.Duel)
	}
	a, _ := env.store.GetRating(ctx, "alice")
	if a.Rating != 1500 {
		t.Fatalf("cancelled duel moved ratings: %+v", a)
	}

	// The pair is free again.
	if _, err := env.engine.Challenge(ctx, "alice", "bob", Constraints{}); err != nil {
		t.Fatalf("re-challenge after timeout: %v", err)
	}
}

func TestSimultaneousCrossChallengesOneWins(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.engine.Challenge(ctx, "alice", "bob", Constraints{})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.engine.Challenge(ctx, "bob", "alice", Constraints{})
	}()
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		var ce *ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want 1 success + 1 conflict, got %d/%d", ok, conflicts)
	}
}

func TestActiveDuelBlocksSecondChallenge(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Challenge(ctx, "alice", "bob", Constraints{}); err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	_, err := env.engine.Challenge(ctx, "carol", "alice", Constraints{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}

func TestSelfChallengeRejectedUnlessAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Challenge(ctx, "alice", "alice", Constraints{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConflictError for self-challenge, got %v", err)
	}

	env.engine.cfg.AllowSelfDuel = true
	if _, err := env.engine.Challenge(ctx, "alice", "alice", Constraints{}); err != nil {
		t.Fatalf("self-challenge with toggle on: %v", err)
	}
}

func TestAcceptWithNoCandidatesCancels(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ch, err := env.engine.Challenge(ctx, "alice", "bob", Constraints{MinRating: 3400, MaxRating: 3500})
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	res, err := env.engine.Accept(ctx, ch.Duel.ID, "bob")
	if !errors.Is(err, selector.ErrNoCandidates) {
		t.Fatalf("want ErrNoCandidates, got %v", err)
	}
	if res.Duel.Status != string(StatusCancelled) {
		t.Fatalf("want CANCELLED, got %s", res.Duel.Status)
	}
}

func TestRejectedClaimReturnsToOngoing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	res, err := env.engine.Claim(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Accepted || res.Duel.Status != string(StatusOngoing) {
		t.Fatalf("unverified claim should bounce back to ONGOING: %+v", res)
	}
}

func TestClaimWithPlatformDownStaysTesting(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	env.subs.mu.Lock()
	env.subs.errs = map[string]error{"alice": cfapi.ErrUnreachable}
	env.subs.mu.Unlock()

	res, err := env.engine.Claim(ctx, d.ID, "alice")
	if !errors.Is(err, ErrVerificationUnavailable) {
		t.Fatalf("want ErrVerificationUnavailable, got %v", err)
	}
	if res.Duel.Status != string(StatusTesting) {
		t.Fatalf("duel should stay TESTING, got %s", res.Duel.Status)
	}
}

func TestEarliestAcceptedSubmissionWins(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	start := env.clock.Now()
	env.subs.accept("bob", *d.Problem, start.Add(5*time.Minute))
	env.subs.accept("alice", *d.Problem, start.Add(20*time.Minute))
	env.clock.Advance(30 * time.Minute)

	res, err := env.engine.Claim(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Duel.Outcome != string(OutcomeOpponentWin) {
		t.Fatalf("bob solved first, want OPPONENT_WIN, got %s", res.Duel.Outcome)
	}
}

func TestExpiryRecordsDraw(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	env.clock.Advance(2*time.Hour + time.Minute)

	st, err := env.engine.Status(ctx, d.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Duel.Status != string(StatusExpired) || st.Duel.Outcome != string(OutcomeDraw) {
		t.Fatalf("want EXPIRED/DRAW, got %s/%s", st.Duel.Status, st.Duel.Outcome)
	}
	// Equal ratings, draw: deltas are zero but counters move.
	a, _ := env.store.GetRating(ctx, "alice")
	if a.Rating != 1500 || a.Draws != 1 {
		t.Fatalf("draw record: %+v", a)
	}
}

func TestForfeitCountsAsLoss(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	st, err := env.engine.Forfeit(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Forfeit: %v", err)
	}
	if st.Duel.Status != string(StatusForfeited) || st.Duel.Outcome != string(OutcomeForfeit) {
		t.Fatalf("unexpected forfeit state: %+v", st.Duel)
	}
	a, _ := env.store.GetRating(ctx, "alice")
	b, _ := env.store.GetRating(ctx, "bob")
	if a.Rating != 1484 || b.Rating != 1516 {
		t.Fatalf("forfeit ratings: alice=%d bob=%d", a.Rating, b.Rating)
	}
}

// flakyStore fails the first ApplyOutcome to exercise the settlement
// retry path.
type flakyStore struct {
	rating.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ApplyOutcome(ctx context.Context, duelID string, deltas map[string]rating.HandleDelta) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return rating.ErrStoreUnavailable
	}
	s.mu.Unlock()
	return s.Store.ApplyOutcome(ctx, duelID, deltas)
}

func TestFailedSettlementRetriedOnStatus(t *testing.T) {
	flaky := &flakyStore{Store: rating.NewMemoryStore(1500), failures: 1}
	env := newTestEnv(t, flaky)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	env.subs.accept("alice", *d.Problem, env.clock.Now().Add(time.Minute))
	env.clock.Advance(2 * time.Minute)

	res, err := env.engine.Claim(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Duel.Status != string(StatusFinished) {
		t.Fatalf("want FINISHED, got %s", res.Duel.Status)
	}
	if settled, _ := flaky.IsSettled(ctx, d.ID); settled {
		t.Fatalf("first settlement should have failed")
	}

	// The status check retries the parked write; a second check finds
	// the duel settled and applies nothing further.
	if _, err := env.engine.Status(ctx, d.ID); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, err := env.engine.Status(ctx, d.ID); err != nil {
		t.Fatalf("Status again: %v", err)
	}
	a, _ := flaky.GetRating(ctx, "alice")
	if a.Rating != 1516 {
		t.Fatalf("settlement applied %d times", (a.Rating-1500)/16)
	}
}

func TestDeclineFreesBothHandles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ch, err := env.engine.Challenge(ctx, "alice", "bob", Constraints{})
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	st, err := env.engine.Decline(ctx, ch.Duel.ID, "bob")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if st.Duel.Status != string(StatusCancelled) {
		t.Fatalf("want CANCELLED, got %s", st.Duel.Status)
	}
	if _, ok := env.engine.ActiveDuel("alice"); ok {
		t.Fatalf("alice still marked active after decline")
	}
}

func TestNonParticipantRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := startDuel(t, env, "alice", "bob", Constraints{})
	if _, err := env.engine.Claim(ctx, d.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("want ErrNotParticipant, got %v", err)
	}
	if _, err := env.engine.Status(ctx, "no-such-duel"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
