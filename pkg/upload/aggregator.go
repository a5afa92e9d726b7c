// Package upload groups images sent in quick succession into one batch per
// user and hands the batch to a processor once the user stops sending.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lotbot/pkg/bus"
	"lotbot/pkg/clock"
	"lotbot/pkg/fault"
	"lotbot/pkg/logger"
)

const (
	DefaultBaseDelay      = 3 * time.Second
	DefaultPerItem        = 200 * time.Millisecond
	DefaultCeiling        = 10 * time.Second
	DefaultWidenThreshold = 5
	defaultFlushTimeout   = 2 * time.Minute
)

// Options tunes an Aggregator. Zero values fall back to the defaults.
type Options struct {
	BaseDelay      time.Duration
	PerItem        time.Duration
	Ceiling        time.Duration
	WidenThreshold int
	FlushTimeout   time.Duration
	Location       *time.Location

	Clock    clock.Clock
	Sessions SessionRepository
	Events   bus.EventPublisher
	Log      *slog.Logger
}

// Stats is a read-only snapshot of aggregator load.
type Stats struct {
	Sessions     int            `json:"sessions"`
	PendingItems int            `json:"pending_items"`
	ActiveTimers int            `json:"active_timers"`
	ItemsByUser  map[string]int `json:"items_by_user"`
}

type scheduledFlush struct {
	timer clock.Timer
	gen   uint64
	delay time.Duration
}

// Aggregator owns upload sessions and their debounce timers.
type Aggregator struct {
	processor BatchProcessor
	sessions  SessionRepository
	clock     clock.Clock
	events    bus.EventPublisher
	log       *slog.Logger

	baseDelay    time.Duration
	perItem      time.Duration
	ceiling      time.Duration
	threshold    int
	flushTimeout time.Duration
	location     *time.Location

	mu       sync.Mutex
	timers   map[string]scheduledFlush
	gen      uint64
	listener FlushListener
}

// New builds an Aggregator that hands flushed batches to processor.
func New(processor BatchProcessor, opts Options) *Aggregator {
	a := &Aggregator{
		processor:    processor,
		sessions:     opts.Sessions,
		clock:        opts.Clock,
		events:       opts.Events,
		log:          logger.Component(opts.Log, "upload.aggregator"),
		baseDelay:    opts.BaseDelay,
		perItem:      opts.PerItem,
		ceiling:      opts.Ceiling,
		threshold:    opts.WidenThreshold,
		flushTimeout: opts.FlushTimeout,
		location:     opts.Location,
		timers:       make(map[string]scheduledFlush),
	}

	if a.sessions == nil {
		a.sessions = NewMemorySessions()
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.baseDelay <= 0 {
		a.baseDelay = DefaultBaseDelay
	}
	if a.perItem < 0 {
		a.perItem = 0
	}
	if a.ceiling < a.baseDelay {
		a.ceiling = max(DefaultCeiling, a.baseDelay)
	}
	if a.threshold <= 0 {
		a.threshold = DefaultWidenThreshold
	}
	if a.flushTimeout <= 0 {
		a.flushTimeout = defaultFlushTimeout
	}
	if a.location == nil {
		a.location = time.Local
	}

	return a
}

// SetListener registers the callback that receives every flush result.
func (a *Aggregator) SetListener(listener FlushListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = listener
}

// BaseDelay returns the configured debounce base delay.
func (a *Aggregator) BaseDelay() time.Duration {
	return a.baseDelay
}

// Accept adds payload to the user's session and returns its sequence
// number. A session with a different lot is discarded first and a fresh
// one starts counting from 1. Sessions without a lot accumulate until
// AssignLot names one; only lot-tagged sessions schedule a flush.
func (a *Aggregator) Accept(userID string, lot *string, origin Origin, ref string, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, fault.Validationf("empty payload")
	}
	if lot != nil {
		trimmed := strings.TrimSpace(*lot)
		if trimmed == "" {
			return 0, fault.Validationf("empty lot number")
		}
		lot = &trimmed
	}

	now := a.clock.Now()

	a.mu.Lock()
	session, ok := a.sessions.Get(userID)
	var discarded *Session
	if ok && !sameLot(session.Lot, lot) {
		a.stopTimerLocked(userID)
		a.sessions.Delete(userID)
		discarded = session
		ok = false
	}

	started := !ok
	if started {
		session = &Session{
			ID:         uuid.NewString(),
			UserID:     userID,
			Lot:        lot,
			Origin:     origin,
			CreatedAt:  now,
			LastUpdate: now,
		}
		a.sessions.Put(session)
	}

	session.nextSeq++
	seq := session.nextSeq
	session.Items = append(session.Items, Item{Ref: ref, Payload: payload, ReceivedAt: now, Seq: seq})
	session.LastUpdate = now

	if session.Lot != nil {
		a.scheduleLocked(session, a.baseDelay)
	}
	sessionID := session.ID
	a.mu.Unlock()

	if discarded != nil {
		a.log.Info("Upload session replaced by lot change", "user_id", userID, "session_id", discarded.ID, "lot", discarded.LotNumber(), "items", len(discarded.Items))
		a.publish(bus.Event{Type: bus.EventSessionDiscarded, UserID: userID, SessionID: discarded.ID, Lot: discarded.LotNumber(), Payload: map[string]string{"reason": "lot_changed", "items": strconv.Itoa(len(discarded.Items))}})
	}
	if started {
		a.log.Debug("Upload session started", "user_id", userID, "session_id", sessionID, "lot", derefLot(lot))
		a.publish(bus.Event{Type: bus.EventSessionStarted, Channel: origin.Channel, ChatID: origin.ChatID, UserID: userID, SessionID: sessionID, Lot: derefLot(lot)})
	}

	return seq, nil
}

// AssignLot names the lot of a pending session and schedules its flush.
func (a *Aggregator) AssignLot(userID string, lot string) (Session, error) {
	lot = strings.TrimSpace(lot)
	if lot == "" {
		return Session{}, fault.Validationf("empty lot number")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions.Get(userID)
	if !ok {
		return Session{}, fault.NotFoundf("no pending upload")
	}

	session.Lot = &lot
	session.LastUpdate = a.clock.Now()
	a.scheduleLocked(session, a.baseDelay)

	return session.snapshot(), nil
}

// ScheduleFlush cancels any pending timer for the user and arms a new one.
// It returns the effective delay, or false when the user has no session.
func (a *Aggregator) ScheduleFlush(userID string, base time.Duration) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions.Get(userID)
	if !ok {
		return 0, false
	}

	return a.scheduleLocked(session, base), true
}

// EffectiveDelay widens base for sessions holding more than the threshold
// of items, bounded by the ceiling.
func (a *Aggregator) EffectiveDelay(base time.Duration, items int) time.Duration {
	if items <= a.threshold {
		return base
	}

	return min(a.ceiling, base+time.Duration(items)*a.perItem)
}

func (a *Aggregator) scheduleLocked(session *Session, base time.Duration) time.Duration {
	a.stopTimerLocked(session.UserID)

	delay := a.EffectiveDelay(base, len(session.Items))
	if delay <= 0 {
		delay = time.Millisecond
	}

	a.gen++
	gen := a.gen
	userID := session.UserID
	timer := a.clock.AfterFunc(delay, func() {
		a.flushScheduled(userID, gen)
	})
	a.timers[userID] = scheduledFlush{timer: timer, gen: gen, delay: delay}

	return delay
}

func (a *Aggregator) stopTimerLocked(userID string) {
	if scheduled, ok := a.timers[userID]; ok {
		scheduled.timer.Stop()
		delete(a.timers, userID)
	}
}

// PendingDelay returns the delay of the currently armed flush timer.
func (a *Aggregator) PendingDelay(userID string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	scheduled, ok := a.timers[userID]
	return scheduled.delay, ok
}

func (a *Aggregator) flushScheduled(userID string, gen uint64) {
	a.mu.Lock()
	scheduled, ok := a.timers[userID]
	if !ok || scheduled.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.timers, userID)

	session, ok := a.sessions.Delete(userID)
	listener := a.listener
	a.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()

	result := a.flush(ctx, session)
	if listener != nil {
		listener(ctx, result)
	}
}

// FlushNow flushes a lot-tagged session immediately instead of waiting for
// its timer. Sessions without a lot are left untouched.
func (a *Aggregator) FlushNow(ctx context.Context, userID string) (FlushResult, bool) {
	a.mu.Lock()
	session, ok := a.sessions.Get(userID)
	if !ok || session.Lot == nil {
		a.mu.Unlock()
		return FlushResult{}, false
	}
	a.stopTimerLocked(userID)
	a.sessions.Delete(userID)
	listener := a.listener
	a.mu.Unlock()

	result := a.flush(ctx, session)
	if listener != nil {
		listener(ctx, result)
	}
	return result, true
}

func (a *Aggregator) flush(ctx context.Context, session *Session) (result FlushResult) {
	items := slices.Clone(session.Items)
	slices.SortStableFunc(items, func(x, y Item) int {
		return x.Seq - y.Seq
	})

	result.Batch = Batch{
		SessionID: session.ID,
		UserID:    session.UserID,
		Lot:       session.LotNumber(),
		Origin:    session.Origin,
		Date:      a.clock.Now().In(a.location),
		Items:     items,
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result.Err = fault.Wrap(fault.Internal, "batch processing panicked", fmt.Errorf("panic: %v", recovered))
			result.Outcome.Failed = len(items) - result.Outcome.Succeeded
		}
		a.reportFlush(result)
	}()

	if a.processor == nil {
		result.Err = fault.New(fault.Internal, "no batch processor configured")
		result.Outcome.Failed = len(items)
		return result
	}

	outcome, err := a.processor.ProcessBatch(ctx, result.Batch)
	result.Outcome = outcome
	if err != nil {
		result.Err = fmt.Errorf("process batch %s: %w", session.ID, err)
		if outcome.Succeeded+outcome.Failed == 0 {
			result.Outcome.Failed = len(items)
		}
	}

	return result
}

func (a *Aggregator) reportFlush(result FlushResult) {
	batch := result.Batch
	payload := map[string]string{
		"items":     strconv.Itoa(len(batch.Items)),
		"succeeded": strconv.Itoa(result.Outcome.Succeeded),
		"failed":    strconv.Itoa(result.Outcome.Failed),
	}

	if result.Err != nil {
		a.log.Error("Upload batch failed", "user_id", batch.UserID, "session_id", batch.SessionID, "lot", batch.Lot, "items", len(batch.Items), "error", result.Err)
		a.publish(bus.Event{Type: bus.EventBatchFailed, Channel: batch.Origin.Channel, ChatID: batch.Origin.ChatID, UserID: batch.UserID, SessionID: batch.SessionID, Lot: batch.Lot, Payload: payload, Error: result.Err.Error()})
		return
	}

	a.log.Info("Upload batch flushed", "user_id", batch.UserID, "session_id", batch.SessionID, "lot", batch.Lot, "items", len(batch.Items), "failed", result.Outcome.Failed)
	a.publish(bus.Event{Type: bus.EventBatchFlushed, Channel: batch.Origin.Channel, ChatID: batch.Origin.ChatID, UserID: batch.UserID, SessionID: batch.SessionID, Lot: batch.Lot, Payload: payload})
}

// Discard drops the user's session and its timer without flushing.
func (a *Aggregator) Discard(userID string) (Session, bool) {
	a.mu.Lock()
	a.stopTimerLocked(userID)
	session, ok := a.sessions.Delete(userID)
	a.mu.Unlock()

	if !ok {
		return Session{}, false
	}

	a.log.Info("Upload session discarded", "user_id", userID, "session_id", session.ID, "items", len(session.Items))
	a.publish(bus.Event{Type: bus.EventSessionDiscarded, UserID: userID, SessionID: session.ID, Lot: session.LotNumber(), Payload: map[string]string{"reason": "discarded", "items": strconv.Itoa(len(session.Items))}})

	return session.snapshot(), true
}

// SweepStale removes sessions untouched for strictly longer than maxAge and
// cancels their timers.
func (a *Aggregator) SweepStale(maxAge time.Duration) int {
	now := a.clock.Now()

	a.mu.Lock()
	var swept []*Session
	for _, session := range a.sessions.List() {
		if now.Sub(session.LastUpdate) > maxAge {
			a.stopTimerLocked(session.UserID)
			a.sessions.Delete(session.UserID)
			swept = append(swept, session)
		}
	}
	a.mu.Unlock()

	if len(swept) > 0 {
		a.log.Info("Stale upload sessions swept", "count", len(swept))
		a.publish(bus.Event{Type: bus.EventSessionsSwept, Payload: map[string]string{"count": strconv.Itoa(len(swept))}})
	}

	return len(swept)
}

// Session returns a copy of the user's pending session.
func (a *Aggregator) Session(userID string) (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions.Get(userID)
	if !ok {
		return Session{}, false
	}
	return session.snapshot(), true
}

// Stats returns a snapshot of current sessions and timers.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{ActiveTimers: len(a.timers), ItemsByUser: make(map[string]int)}
	for _, session := range a.sessions.List() {
		stats.Sessions++
		stats.PendingItems += len(session.Items)
		stats.ItemsByUser[session.UserID] = len(session.Items)
	}
	return stats
}

func (a *Aggregator) publish(event bus.Event) {
	if a.events == nil {
		return
	}
	event.At = a.clock.Now().UTC()
	a.events.PublishEvent(context.Background(), event)
}

func derefLot(lot *string) string {
	if lot == nil {
		return ""
	}
	return *lot
}
