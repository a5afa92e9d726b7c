package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lotbot/pkg/bus"
	"lotbot/pkg/clock"
	"lotbot/pkg/fault"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches []Batch
	err     error
	panic   bool
}

func (p *recordingProcessor) ProcessBatch(_ context.Context, batch Batch) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.panic {
		panic("storage exploded")
	}
	p.batches = append(p.batches, batch)
	if p.err != nil {
		return Outcome{Succeeded: 1, Failed: len(batch.Items) - 1}, p.err
	}
	return Outcome{Succeeded: len(batch.Items)}, nil
}

func (p *recordingProcessor) snapshot() []Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Batch(nil), p.batches...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingEvents) PublishEvent(_ context.Context, event bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *recordingEvents) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]bus.EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func newTestAggregator(t *testing.T) (*Aggregator, *clock.FakeClock, *recordingProcessor, *recordingEvents) {
	t.Helper()

	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	processor := &recordingProcessor{}
	events := &recordingEvents{}
	agg := New(processor, Options{
		BaseDelay:      3 * time.Second,
		PerItem:        200 * time.Millisecond,
		Ceiling:        10 * time.Second,
		WidenThreshold: 5,
		Location:       time.UTC,
		Clock:          fake,
		Events:         events,
	})
	return agg, fake, processor, events
}

func lotPtr(lot string) *string {
	return &lot
}

var origin = Origin{Channel: "telegram", ChatID: "U1"}

func TestAcceptAssignsDenseSequenceFromOne(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	for want := 1; want <= 4; want++ {
		seq, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{byte(want)})
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	session, ok := agg.Session("U1")
	require.True(t, ok)
	require.Len(t, session.Items, 4)
	require.Equal(t, "A1", session.LotNumber())
}

func TestAcceptRejectsEmptyPayloadWithoutConsumingSequence(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	seq, err := agg.Accept("U1", lotPtr("A1"), origin, "m1", []byte{1})
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	_, err = agg.Accept("U1", lotPtr("A1"), origin, "m2", nil)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Validation))

	seq, err = agg.Accept("U1", lotPtr("A1"), origin, "m3", []byte{3})
	require.NoError(t, err)
	require.Equal(t, 2, seq)
}

func TestAcceptRejectsBlankLot(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	_, err := agg.Accept("U1", lotPtr("  "), origin, "m1", []byte{1})
	require.True(t, fault.Is(err, fault.Validation))
	require.Zero(t, agg.Stats().Sessions)
}

func TestLotChangeStartsFreshSessionWithoutReusingSequence(t *testing.T) {
	t.Parallel()

	agg, fake, processor, events := newTestAggregator(t)

	_, err := agg.Accept("U1", lotPtr("A1"), origin, "m1", []byte{1})
	require.NoError(t, err)
	_, err = agg.Accept("U1", lotPtr("A1"), origin, "m2", []byte{2})
	require.NoError(t, err)
	first, _ := agg.Session("U1")

	seq, err := agg.Accept("U1", lotPtr("B2"), origin, "m3", []byte{3})
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	second, ok := agg.Session("U1")
	require.True(t, ok)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, second.Items, 1)

	fake.Advance(3 * time.Second)

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, "B2", batches[0].Lot)
	require.Equal(t, 1, batches[0].Items[0].Seq)
	require.Contains(t, events.types(), bus.EventSessionDiscarded)
}

func TestFlushOrdersItemsBySequence(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)

	for i := 1; i <= 3; i++ {
		_, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{byte(i)})
		require.NoError(t, err)
	}

	// Simulate out-of-order storage before the flush.
	agg.mu.Lock()
	session, _ := agg.sessions.Get("U1")
	session.Items[0], session.Items[2] = session.Items[2], session.Items[0]
	agg.mu.Unlock()

	fake.Advance(3 * time.Second)

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, []int{1, 2, 3}, []int{batches[0].Items[0].Seq, batches[0].Items[1].Seq, batches[0].Items[2].Seq})
	require.Equal(t, []byte{1}, batches[0].Items[0].Payload)
	require.Equal(t, "2026-03-14", batches[0].Date.Format(time.DateOnly))
}

func TestNilLotSessionWaitsForAssignLot(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)

	for i := 1; i <= 3; i++ {
		seq, err := agg.Accept("U1", nil, origin, "m", []byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, i, seq)
	}

	require.Zero(t, fake.PendingCount())
	fake.Advance(time.Minute)
	require.Empty(t, processor.snapshot())

	session, err := agg.AssignLot("U1", "LOT-100")
	require.NoError(t, err)
	require.Equal(t, "LOT-100", session.LotNumber())
	require.Len(t, session.Items, 3)
	require.Equal(t, 1, agg.Stats().ActiveTimers)
	require.Equal(t, 1, fake.PendingCount())

	fake.Advance(3 * time.Second)

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, "LOT-100", batches[0].Lot)
	require.Len(t, batches[0].Items, 3)
	_, ok := agg.Session("U1")
	require.False(t, ok)
}

func TestAssignLotWithoutSession(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	_, err := agg.AssignLot("U1", "A1")
	require.True(t, fault.Is(err, fault.NotFound))

	_, err = agg.AssignLot("U1", " ")
	require.True(t, fault.Is(err, fault.Validation))
}

func TestWidenedDelayIsCeilingBounded(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	tests := []struct {
		items int
		want  time.Duration
	}{
		{items: 1, want: 3 * time.Second},
		{items: 5, want: 3 * time.Second},
		{items: 6, want: 4200 * time.Millisecond},
		{items: 16, want: 6200 * time.Millisecond},
		{items: 100, want: 10 * time.Second},
	}

	for _, tt := range tests {
		if got := agg.EffectiveDelay(3*time.Second, tt.items); got != tt.want {
			t.Fatalf("EffectiveDelay(3s, %d) = %v, want %v", tt.items, got, tt.want)
		}
	}
}

func TestBurstOfSixteenFlushesAsOneBatch(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)

	_, err := agg.Accept("U1", lotPtr("LOT-5"), origin, "m0", []byte{0})
	require.NoError(t, err)

	for i := 1; i < 16; i++ {
		fake.Advance(500 * time.Millisecond)
		_, err := agg.Accept("U1", lotPtr("LOT-5"), origin, "m", []byte{byte(i)})
		require.NoError(t, err)
	}

	delay, ok := agg.PendingDelay("U1")
	require.True(t, ok)
	require.Equal(t, 6200*time.Millisecond, delay)

	fake.Advance(6 * time.Second)
	require.Empty(t, processor.snapshot())

	fake.Advance(200 * time.Millisecond)

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Items, 16)
	for i, item := range batches[0].Items {
		require.Equal(t, i+1, item.Seq)
	}
}

func TestFlushFailureStillClearsSessionAndReportsCounts(t *testing.T) {
	t.Parallel()

	agg, fake, processor, events := newTestAggregator(t)
	processor.err = errors.New("disk full")

	var results []FlushResult
	agg.SetListener(func(_ context.Context, result FlushResult) {
		results = append(results, result)
	})

	for i := 1; i <= 3; i++ {
		_, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{byte(i)})
		require.NoError(t, err)
	}

	fake.Advance(3 * time.Second)

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Equal(t, 1, results[0].Outcome.Succeeded)
	require.Equal(t, 2, results[0].Outcome.Failed)
	require.Equal(t, 3, results[0].Total())
	require.Equal(t, origin, results[0].Batch.Origin)

	_, ok := agg.Session("U1")
	require.False(t, ok)
	require.Contains(t, events.types(), bus.EventBatchFailed)
}

func TestFlushRecoversProcessorPanic(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)
	processor.panic = true

	var got FlushResult
	agg.SetListener(func(_ context.Context, result FlushResult) {
		got = result
	})

	_, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{1})
	require.NoError(t, err)

	require.NotPanics(t, func() { fake.Advance(3 * time.Second) })
	require.Error(t, got.Err)
	require.Equal(t, 1, got.Outcome.Failed)
	require.Zero(t, agg.Stats().Sessions)
}

func TestFlushNow(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)

	_, ok := agg.FlushNow(context.Background(), "U1")
	require.False(t, ok)

	_, err := agg.Accept("U1", nil, origin, "m", []byte{1})
	require.NoError(t, err)
	_, ok = agg.FlushNow(context.Background(), "U1")
	require.False(t, ok, "sessions without a lot are not flushed")

	_, err = agg.AssignLot("U1", "A1")
	require.NoError(t, err)

	result, ok := agg.FlushNow(context.Background(), "U1")
	require.True(t, ok)
	require.NoError(t, result.Err)
	require.Equal(t, 1, result.Outcome.Succeeded)
	require.Zero(t, agg.Stats().ActiveTimers)

	fake.Advance(time.Minute)
	require.Len(t, processor.snapshot(), 1, "stopped timer must not flush again")
}

func TestDiscardCancelsTimer(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)

	_, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{1})
	require.NoError(t, err)

	session, ok := agg.Discard("U1")
	require.True(t, ok)
	require.Len(t, session.Items, 1)

	_, ok = agg.Discard("U1")
	require.False(t, ok)

	fake.Advance(time.Minute)
	require.Empty(t, processor.snapshot())
}

func TestSweepStaleRemovesOnlyOldSessions(t *testing.T) {
	t.Parallel()

	agg, fake, processor, _ := newTestAggregator(t)
	start := fake.Now()

	_, err := agg.Accept("old", nil, origin, "m", []byte{1})
	require.NoError(t, err)

	fake.Set(start.Add(10 * time.Minute))
	_, err = agg.Accept("fresh", lotPtr("A1"), origin, "m", []byte{1})
	require.NoError(t, err)

	fake.Set(start.Add(30 * time.Minute))
	require.Zero(t, agg.SweepStale(30*time.Minute), "age equal to max is kept")

	fake.Set(start.Add(30*time.Minute + time.Second))
	require.Equal(t, 1, agg.SweepStale(30*time.Minute))

	_, ok := agg.Session("old")
	require.False(t, ok)
	_, ok = agg.Session("fresh")
	require.True(t, ok)
	require.Empty(t, processor.snapshot())
}

func TestStats(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	_, err := agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{1})
	require.NoError(t, err)
	_, err = agg.Accept("U1", lotPtr("A1"), origin, "m", []byte{2})
	require.NoError(t, err)
	_, err = agg.Accept("U2", nil, origin, "m", []byte{1})
	require.NoError(t, err)

	stats := agg.Stats()
	require.Equal(t, 2, stats.Sessions)
	require.Equal(t, 3, stats.PendingItems)
	require.Equal(t, 1, stats.ActiveTimers)
	require.Equal(t, map[string]int{"U1": 2, "U2": 1}, stats.ItemsByUser)
}

func TestScheduleFlushWithoutSession(t *testing.T) {
	t.Parallel()

	agg, _, _, _ := newTestAggregator(t)

	_, ok := agg.ScheduleFlush("nobody", time.Second)
	require.False(t, ok)
}
