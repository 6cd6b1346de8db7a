package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lattiq/mailgate/internal/core"
)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t testing.TB, clock *testClock) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(MemoryPath, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t, newTestClock())

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, LatestSchemaVersion, version)
	require.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, s.migrateUp())
	require.NoError(t, s.Ping())
}

func TestClaimDispatchLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, clock)

	result, d, err := s.ClaimDispatch(ctx, "order-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)
	require.Equal(t, DispatchPending, d.State)

	result, _, err = s.ClaimDispatch(ctx, "order-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimInProgress, result)

	sentAt := clock.Now()
	require.NoError(t, s.MarkSent(ctx, "order-1", &core.SendResult{
		MessageID: "msg-1",
		Provider:  core.ProviderSendGrid,
		Timestamp: sentAt,
		Attempts:  2,
	}))

	result, d, err = s.ClaimDispatch(ctx, "order-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimCompleted, result)

	cached := d.Result()
	require.True(t, cached.Cached)
	require.Equal(t, "msg-1", cached.MessageID)
	require.Equal(t, core.ProviderSendGrid, cached.Provider)
	require.Equal(t, 2, cached.Attempts)
	require.True(t, sentAt.Equal(cached.Timestamp))
}

func TestClaimDispatchTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, clock)

	result, _, err := s.ClaimDispatch(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)

	clock.Advance(31 * time.Second)

	result, d, err := s.ClaimDispatch(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)
	require.True(t, d.LeaseUntil.Equal(clock.Now().Add(30*time.Second)))
}

func TestClaimDispatchCompletesFromAttemptLog(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, clock)

	_, _, err := s.ClaimDispatch(ctx, "k", 30*time.Second)
	require.NoError(t, err)

	// Accepted by the provider, but the dispatch row was never marked sent.
	finished := clock.Now().Add(time.Second)
	attempts := []*core.SendAttempt{
		{ID: "att-1", AttemptNumber: 1, Outcome: core.OutcomeRetryableFailure, StatusCode: 503},
		{ID: "att-2", AttemptNumber: 2, Outcome: core.OutcomeSuccess, ProviderMessageID: "ses-1"},
	}
	for _, a := range attempts {
		a.IdempotencyKey = "k"
		a.Provider = core.ProviderSES
		a.StartedAt = clock.Now()
		a.FinishedAt = finished
		require.NoError(t, s.RecordAttempt(ctx, a))
	}

	clock.Advance(31 * time.Second)

	result, d, err := s.ClaimDispatch(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, ClaimCompleted, result)
	require.Equal(t, DispatchSent, d.State)

	res := d.Result()
	require.Equal(t, "ses-1", res.MessageID)
	require.Equal(t, core.ProviderSES, res.Provider)
	require.Equal(t, 2, res.Attempts)
	require.True(t, res.Timestamp.Equal(finished))

	stored, err := s.GetDispatch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, DispatchSent, stored.State)
}

func TestClaimDispatchReclaimsFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestClock())

	_, _, err := s.ClaimDispatch(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "k", core.ProviderMailgun, 3, "retries_exhausted"))

	d, err := s.GetDispatch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, DispatchFailed, d.State)
	require.Equal(t, "retries_exhausted", d.ErrorCode)

	result, d, err := s.ClaimDispatch(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)
	require.Empty(t, d.ErrorCode)
}

func TestMarkUnknownDispatch(t *testing.T) {
	s := newTestStore(t, newTestClock())

	err := s.MarkSent(context.Background(), "missing", &core.SendResult{MessageID: "m"})
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetDispatch(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestConcurrentClaimsGrantOneOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestClock())

	const callers = 16
	results := make(chan ClaimResult, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := s.ClaimDispatch(ctx, "shared", time.Minute)
			if err == nil {
				results <- r
			}
		}()
	}
	wg.Wait()
	close(results)

	acquired := 0
	total := 0
	for r := range results {
		total++
		if r == ClaimAcquired {
			acquired++
		}
	}
	require.Equal(t, callers, total)
	require.Equal(t, 1, acquired)
}

func TestRecordAndListAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, clock)

	for i := 1; i <= 3; i++ {
		outcome := core.OutcomeRetryableFailure
		if i == 3 {
			outcome = core.OutcomeSuccess
		}
		require.NoError(t, s.RecordAttempt(ctx, &core.SendAttempt{
			ID:             "att-" + string(rune('0'+i)),
			IdempotencyKey: "k",
			Provider:       core.ProviderPostmark,
			AttemptNumber:  i,
			StartedAt:      clock.Now(),
			FinishedAt:     clock.Now().Add(time.Second),
			Outcome:        outcome,
			StatusCode:     429,
			ErrorCode:      core.CodeRateLimited,
		}))
	}

	attempts, err := s.ListAttempts(ctx, "k")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, 1, attempts[0].AttemptNumber)
	require.Equal(t, core.OutcomeSuccess, attempts[2].Outcome)
	require.Equal(t, core.ProviderPostmark, attempts[1].Provider)
}

func bounce(id string) *core.DeliveryEvent {
	return &core.DeliveryEvent{
		Provider:          core.ProviderSendGrid,
		ProviderEventID:   id,
		Type:              core.EventBouncedPermanent,
		Recipient:         "Zoe@Example.com",
		OccurredAt:        time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC),
		ProviderMessageID: "msg-1",
		Raw:               []byte(`{"event":"bounce"}`),
	}
}

func TestApplyOnceRecordsEventOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, clock)

	calls := 0
	effect := func(ctx context.Context, tx EventTx) error {
		calls++
		return tx.InvalidateRecipient(ctx, "zoe@example.com", "550")
	}

	applied, err := s.ApplyOnce(ctx, bounce("evt-42"), effect)
	require.NoError(t, err)
	require.True(t, applied)

	first, err := s.GetRecipient(ctx, "zoe@example.com")
	require.NoError(t, err)
	require.True(t, first.Invalid)

	clock.Advance(time.Hour)

	applied, err = s.ApplyOnce(ctx, bounce("evt-42"), effect)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, calls)

	second, err := s.GetRecipient(ctx, "zoe@example.com")
	require.NoError(t, err)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)

	n, err := s.CountProcessedEvents(ctx, core.ProviderSendGrid)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := s.GetProcessedEvent(ctx, bounce("evt-42").Key())
	require.NoError(t, err)
	require.Equal(t, `{"event":"bounce"}`, stored.Raw)
}

func TestApplyOnceRollsBackFailedEffect(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestClock())

	boom := errors.New("boom")
	_, err := s.ApplyOnce(ctx, bounce("evt-1"), func(context.Context, EventTx) error { return boom })
	require.ErrorIs(t, err, boom)

	_, err = s.GetProcessedEvent(ctx, bounce("evt-1").Key())
	require.ErrorIs(t, err, ErrNotFound)

	applied, err := s.ApplyOnce(ctx, bounce("evt-1"), nil)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestEffectsUpdateRecipientsAndDispatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestClock())

	_, _, err := s.ClaimDispatch(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, "k", &core.SendResult{MessageID: "msg-1", Provider: core.ProviderSendGrid}))

	open := bounce("evt-open")
	open.Type = core.EventOpened

	_, err = s.ApplyOnce(ctx, open, func(ctx context.Context, tx EventTx) error {
		if err := tx.RecordEngagement(ctx, open); err != nil {
			return err
		}
		if err := tx.UnsubscribeRecipient(ctx, open.Recipient); err != nil {
			return err
		}
		return tx.SetDeliveryStatus(ctx, open.Provider, open.ProviderMessageID, open.Type, open.OccurredAt)
	})
	require.NoError(t, err)

	n, err := s.CountEngagements(ctx, "zoe@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := s.GetDispatch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, core.EventOpened, d.DeliveryStatus)

	hit, err := s.FirstSuppressed(ctx, []string{"ok@example.com", "ZOE@example.com"})
	require.NoError(t, err)
	require.Equal(t, "zoe@example.com", hit)

	hit, err = s.FirstSuppressed(ctx, []string{"ok@example.com"})
	require.NoError(t, err)
	require.Empty(t, hit)
}

func TestDeliveryStatusFollowsOccurrence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestClock())

	_, _, err := s.ClaimDispatch(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, "k", &core.SendResult{MessageID: "msg-1", Provider: core.ProviderSendGrid}))

	setStatus := func(id string, typ core.EventType, at time.Time) {
		ev := bounce(id)
		ev.Type = typ
		ev.OccurredAt = at
		_, err := s.ApplyOnce(ctx, ev, func(ctx context.Context, tx EventTx) error {
			return tx.SetDeliveryStatus(ctx, ev.Provider, ev.ProviderMessageID, ev.Type, ev.OccurredAt)
		})
		require.NoError(t, err)
	}
	status := func() core.EventType {
		d, err := s.GetDispatch(ctx, "k")
		require.NoError(t, err)
		return d.DeliveryStatus
	}

	base := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	setStatus("evt-open", core.EventOpened, base.Add(time.Minute))
	require.Equal(t, core.EventOpened, status())

	// The delivery happened first but arrived late.
	setStatus("evt-delivered", core.EventDelivered, base)
	require.Equal(t, core.EventOpened, status())

	setStatus("evt-click", core.EventClicked, base.Add(2*time.Minute))
	require.Equal(t, core.EventClicked, status())
}

// TestApplyOnceProperty checks that any sequence of deliveries, duplicates
// included, records each distinct event exactly once.
func TestApplyOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s, err := NewSQLiteStore(MemoryPath)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		ids := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 1, 20).Draw(t, "deliveries")

		applied := map[string]int{}
		for _, id := range ids {
			ok, err := s.ApplyOnce(ctx, bounce(id), func(context.Context, EventTx) error { return nil })
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				applied[id]++
			}
		}

		distinct := map[string]bool{}
		for _, id := range ids {
			distinct[id] = true
		}
		for id := range distinct {
			if applied[id] != 1 {
				t.Fatalf("event %s applied %d times", id, applied[id])
			}
		}

		n, err := s.CountProcessedEvents(ctx, core.ProviderSendGrid)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(distinct) {
			t.Fatalf("stored %d events, want %d", n, len(distinct))
		}
	})
}
