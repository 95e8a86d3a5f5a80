package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"callflow/caller"
	"callflow/events"
	"callflow/order"
	"callflow/supplier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBatch(supplierID uuid.UUID) SupplierBatch {
	return SupplierBatch{
		ID:          uuid.New(),
		SupplierID:  supplierID,
		ActionTypes: []string{"expedite"},
		TotalValue:  decimal.NewFromInt(1200),
		Status:      StatusQueued,
		MaxAttempts: 3,
	}
}

// fakeStore is an in-memory Store. Claims, attempts and outcomes follow the
// same contracts as the Postgres repository so processor behavior can be
// asserted without a database.
type fakeStore struct {
	mu sync.Mutex

	batches   []SupplierBatch
	denyClaim map[uuid.UUID]bool

	findErr    error
	reclaimErr error
	recordErr  map[uuid.UUID]error

	reclaimed     int
	pendingCounts []int

	findLimits   []int
	pendingCalls int

	runs        map[uuid.UUID]uuid.UUID // run id -> batch id
	externalIDs map[uuid.UUID]string
	outcomes    []ApplyOutcomeParams
	replay      bool

	promoted []uuid.UUID
}

func newFakeStore(batches ...SupplierBatch) *fakeStore {
	return &fakeStore{
		batches:     batches,
		denyClaim:   map[uuid.UUID]bool{},
		recordErr:   map[uuid.UUID]error{},
		runs:        map[uuid.UUID]uuid.UUID{},
		externalIDs: map[uuid.UUID]string{},
	}
}

func (f *fakeStore) FindEligible(ctx context.Context, limit int, now time.Time, excluding []uuid.UUID) ([]SupplierBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.findLimits = append(f.findLimits, limit)

	skip := make(map[uuid.UUID]bool, len(excluding))
	for _, id := range excluding {
		skip[id] = true
	}
	out := make([]SupplierBatch, 0, limit)
	for _, b := range f.batches {
		if skip[b.ID] || len(out) == limit {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) Claim(ctx context.Context, id uuid.UUID, expected Status, now time.Time) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyClaim[id] {
		return 0, false, nil
	}
	for i, b := range f.batches {
		if b.ID == id && b.Status == expected {
			f.batches[i].Status = StatusInProgress
			f.batches[i].AttemptCount++
			return f.batches[i].AttemptCount, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeStore) RecordAttempt(ctx context.Context, batchID uuid.UUID, now time.Time) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recordErr[batchID]; err != nil {
		return uuid.Nil, err
	}
	runID := uuid.New()
	f.runs[runID] = batchID
	return runID, nil
}

func (f *fakeStore) SetRunExternalID(ctx context.Context, runID uuid.UUID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalIDs[runID] = externalID
	return nil
}

func (f *fakeStore) ApplyOutcome(ctx context.Context, params ApplyOutcomeParams) (Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batchID, ok := f.runs[params.RunID]
	if !ok {
		return Transition{}, ErrRunNotFound
	}
	if f.replay {
		return Transition{Applied: false, BatchID: batchID}, nil
	}
	f.outcomes = append(f.outcomes, params)

	var b SupplierBatch
	for _, cand := range f.batches {
		if cand.ID == batchID {
			b = cand
			break
		}
	}
	d := resolveOutcome(params.Outcome, b.AttemptCount, b.MaxAttempts, DefaultRetryPolicy, params.Now)
	for i := range f.batches {
		if f.batches[i].ID == batchID {
			f.batches[i].Status = d.status
		}
	}
	return Transition{
		Applied:      true,
		BatchID:      batchID,
		SupplierID:   b.SupplierID,
		Status:       d.status,
		Outcome:      params.Outcome,
		Reason:       params.Reason,
		AttemptCount: b.AttemptCount,
		ScheduledFor: d.scheduledFor,
	}, nil
}

func (f *fakeStore) Promote(ctx context.Context, id uuid.UUID, now time.Time) (Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.batches {
		if b.ID != id {
			continue
		}
		if b.Status != StatusPending {
			return Transition{}, ErrNotPromotable
		}
		f.batches[i].Status = StatusQueued
		f.promoted = append(f.promoted, id)
		return Transition{Applied: true, BatchID: id, SupplierID: b.SupplierID, Status: StatusQueued}, nil
	}
	return Transition{}, ErrBatchNotFound
}

func (f *fakeStore) ReclaimStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	if f.reclaimErr != nil {
		return 0, f.reclaimErr
	}
	return f.reclaimed, nil
}

func (f *fakeStore) CountPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if f.pendingCalls < len(f.pendingCounts) {
		n = f.pendingCounts[f.pendingCalls]
	}
	f.pendingCalls++
	return n, nil
}

func (f *fakeStore) CountSuppliersInProgress(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	seen := map[uuid.UUID]bool{}
	for _, b := range f.batches {
		if b.Status == StatusInProgress && !seen[b.SupplierID] {
			seen[b.SupplierID] = true
			n++
		}
	}
	return n, nil
}

type fakeSuppliers struct {
	byID map[uuid.UUID]supplier.Supplier
	err  error
}

func (f *fakeSuppliers) GetByID(ctx context.Context, id uuid.UUID) (supplier.Supplier, error) {
	if f.err != nil {
		return supplier.Supplier{}, f.err
	}
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return supplier.Supplier{ID: id, Name: "Acme Metals", Phone: "+15550001111"}, nil
}

type fakeOrders struct {
	summaries []order.Summary
	err       error
}

func (f *fakeOrders) SummarizeBatch(ctx context.Context, batchID uuid.UUID) ([]order.Summary, error) {
	return f.summaries, f.err
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []caller.Request
	err   error
}

func (f *fakeProvider) StartCall(ctx context.Context, req caller.Request) (caller.Started, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return caller.Started{}, f.err
	}
	f.calls = append(f.calls, req)
	return caller.Started{ExternalID: "ext-" + req.BatchID.String()[:8]}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(ctx context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestProcessor(store *fakeStore, provider caller.Provider, pub events.Publisher) *Processor {
	return NewProcessor(store, &fakeSuppliers{}, &fakeOrders{}, provider, pub, testLogger())
}

func TestProcessQueueDispatchesUpToBudget(t *testing.T) {
	s1, s2, s3 := uuid.New(), uuid.New(), uuid.New()
	store := newFakeStore(testBatch(s1), testBatch(s2), testBatch(s3))
	provider := &fakeProvider{}
	pub := &capturePublisher{}

	summary, err := newTestProcessor(store, provider, pub).ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	if summary.Processed != 2 {
		t.Errorf("Processed = %d, want 2", summary.Processed)
	}
	if summary.Errors != 0 {
		t.Errorf("Errors = %d, want 0", summary.Errors)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
	if got := len(pub.ofType(events.TypeBatchStarted)); got != 2 {
		t.Errorf("batch_started events = %d, want 2", got)
	}
	// External ids from the provider must land on the recorded runs.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.externalIDs) != 2 {
		t.Errorf("recorded external ids = %d, want 2", len(store.externalIDs))
	}
}

func TestProcessQueueBudgetDefaultsAndClamps(t *testing.T) {
	cases := []struct {
		name      string
		max       int
		wantLimit int
	}{
		{"zero selects default", 0, DefaultBatchCap},
		{"negative selects default", -1, DefaultBatchCap},
		{"above cap clamps", 50, MaxBatchCap},
		{"in range passes through", 7, 7},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			if _, err := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{}).ProcessQueue(context.Background(), tc.max); err != nil {
				t.Fatalf("ProcessQueue: %v", err)
			}
			if len(store.findLimits) == 0 || store.findLimits[0] != tc.wantLimit {
				t.Errorf("FindEligible limits = %v, want first %d", store.findLimits, tc.wantLimit)
			}
		})
	}
}

func TestProcessQueueSkipsLostClaimsWithoutConsumingBudget(t *testing.T) {
	s1, s2, s3 := uuid.New(), uuid.New(), uuid.New()
	b1, b2, b3 := testBatch(s1), testBatch(s2), testBatch(s3)
	store := newFakeStore(b1, b2, b3)
	// b1 is lost to a concurrent pass (or its supplier is already on a call).
	store.denyClaim[b1.ID] = true
	provider := &fakeProvider{}

	summary, err := newTestProcessor(store, provider, events.NopPublisher{}).ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	if summary.Processed != 2 {
		t.Errorf("Processed = %d, want 2 (skip must not consume budget)", summary.Processed)
	}
	if summary.Errors != 0 {
		t.Errorf("Errors = %d, want 0 (a lost claim is not an error)", summary.Errors)
	}
	for _, req := range provider.calls {
		if req.BatchID == b1.ID {
			t.Errorf("denied batch %s was dispatched", b1.ID)
		}
	}
}

func TestProcessQueueProviderFailureSchedulesRetry(t *testing.T) {
	b := testBatch(uuid.New())
	store := newFakeStore(b)
	provider := &fakeProvider{err: errors.New("agent unreachable")}
	pub := &capturePublisher{}

	summary, err := newTestProcessor(store, provider, pub).ProcessQueue(context.Background(), 5)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	// The dispatch failure is absorbed by the outcome policy, not the pass.
	if summary.Errors != 0 {
		t.Errorf("Errors = %d, want 0", summary.Errors)
	}
	if len(store.outcomes) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(store.outcomes))
	}
	if store.outcomes[0].Outcome != OutcomeDispatchError {
		t.Errorf("outcome = %s, want %s", store.outcomes[0].Outcome, OutcomeDispatchError)
	}
	if store.outcomes[0].Reason != "agent unreachable" {
		t.Errorf("reason = %q, want provider error text", store.outcomes[0].Reason)
	}
	if got := len(pub.ofType(events.TypeBatchRetry)); got != 1 {
		t.Errorf("batch_retry events = %d, want 1", got)
	}
}

func TestProcessQueueRecordAttemptFailureCounts(t *testing.T) {
	b := testBatch(uuid.New())
	store := newFakeStore(b)
	store.recordErr[b.ID] = errors.New("insert failed")
	provider := &fakeProvider{}

	summary, err := newTestProcessor(store, provider, events.NopPublisher{}).ProcessQueue(context.Background(), 5)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	if summary.Processed != 0 {
		t.Errorf("Processed = %d, want 0", summary.Processed)
	}
	if summary.Errors != 1 {
		t.Errorf("Errors = %d, want 1", summary.Errors)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider was called despite missing run record")
	}
}

func TestProcessQueueStoreUnavailableIsFatal(t *testing.T) {
	t.Run("selection fails", func(t *testing.T) {
		store := newFakeStore()
		store.findErr = errors.New("connection refused")
		if _, err := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{}).ProcessQueue(context.Background(), 5); err == nil {
			t.Fatal("expected error when the store is unavailable")
		}
	})
	t.Run("reclaim fails", func(t *testing.T) {
		store := newFakeStore()
		store.reclaimErr = errors.New("connection refused")
		if _, err := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{}).ProcessQueue(context.Background(), 5); err == nil {
			t.Fatal("expected error when reclaim fails")
		}
	})
}

func TestProcessQueueReportsReclaimAndPendingCounts(t *testing.T) {
	store := newFakeStore()
	store.reclaimed = 3
	store.pendingCounts = []int{10, 10}

	summary, err := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{}).ProcessQueue(context.Background(), 5)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	if summary.Reclaimed != 3 {
		t.Errorf("Reclaimed = %d, want 3", summary.Reclaimed)
	}
	if summary.PendingBefore != 10 || summary.PendingAfter != 10 {
		t.Errorf("pending counts = %d/%d, want 10/10", summary.PendingBefore, summary.PendingAfter)
	}
}

func TestHandleOutcomeRejectsUnknownOutcome(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{})

	if _, err := p.HandleOutcome(context.Background(), uuid.New(), Outcome("busy"), "", ""); err == nil {
		t.Fatal("expected error for unknown outcome value")
	}
	if len(store.outcomes) != 0 {
		t.Errorf("store was touched for an invalid outcome")
	}
}

func TestHandleOutcomePublishesCompletion(t *testing.T) {
	b := testBatch(uuid.New())
	store := newFakeStore(b)
	pub := &capturePublisher{}
	p := newTestProcessor(store, &fakeProvider{}, pub)

	runID, err := store.RecordAttempt(context.Background(), b.ID, time.Now())
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	transition, err := p.HandleOutcome(context.Background(), runID, OutcomeSuccess, "", "ext-1")
	if err != nil {
		t.Fatalf("HandleOutcome: %v", err)
	}
	if !transition.Applied || transition.Status != StatusCompleted {
		t.Errorf("transition = %+v, want applied completion", transition)
	}
	if got := len(pub.ofType(events.TypeBatchCompleted)); got != 1 {
		t.Errorf("batch_completed events = %d, want 1", got)
	}
}

func TestHandleOutcomeReplayIsSilent(t *testing.T) {
	b := testBatch(uuid.New())
	store := newFakeStore(b)
	pub := &capturePublisher{}
	p := newTestProcessor(store, &fakeProvider{}, pub)

	runID, err := store.RecordAttempt(context.Background(), b.ID, time.Now())
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	store.replay = true

	transition, err := p.HandleOutcome(context.Background(), runID, OutcomeSuccess, "", "")
	if err != nil {
		t.Fatalf("HandleOutcome replay: %v", err)
	}
	if transition.Applied {
		t.Error("replayed outcome reported Applied = true")
	}
	if len(pub.events) != 0 {
		t.Errorf("replay published %d events, want 0", len(pub.events))
	}
}

func TestPromotePublishesQueuedEvent(t *testing.T) {
	b := testBatch(uuid.New())
	b.Status = StatusPending
	store := newFakeStore(b)
	pub := &capturePublisher{}
	p := newTestProcessor(store, &fakeProvider{}, pub)

	transition, err := p.Promote(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if transition.Status != StatusQueued {
		t.Errorf("status = %s, want %s", transition.Status, StatusQueued)
	}
	if got := len(pub.ofType(events.TypeBatchQueued)); got != 1 {
		t.Errorf("batch_queued events = %d, want 1", got)
	}

	if _, err := p.Promote(context.Background(), b.ID); !errors.Is(err, ErrNotPromotable) {
		t.Errorf("second promote error = %v, want ErrNotPromotable", err)
	}
}

func TestQueueStats(t *testing.T) {
	s1 := uuid.New()
	b1, b2 := testBatch(s1), testBatch(s1)
	b1.Status = StatusInProgress
	b2.Status = StatusInProgress
	store := newFakeStore(b1, b2)
	store.pendingCounts = []int{4}

	stats, err := newTestProcessor(store, &fakeProvider{}, events.NopPublisher{}).QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 4 {
		t.Errorf("Pending = %d, want 4", stats.Pending)
	}
	if stats.SuppliersInProgress != 1 {
		t.Errorf("SuppliersInProgress = %d, want 1 (distinct suppliers)", stats.SuppliersInProgress)
	}
}
