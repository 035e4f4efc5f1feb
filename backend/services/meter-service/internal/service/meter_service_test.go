package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"prepaidmeter/backend/services/meter-service/internal/docstore"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/repository"
	"prepaidmeter/backend/services/meter-service/internal/syncadapter"
)

type recordingNotifier struct {
	mu        sync.Mutex
	overviews []Overview
}

func (n *recordingNotifier) Broadcast(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if o, ok := v.(Overview); ok {
		n.overviews = append(n.overviews, o)
	}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.overviews)
}

type memoryArchive struct {
	mu      sync.Mutex
	rows    map[string]repository.ArchivedSession
	retired []string
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{rows: make(map[string]repository.ArchivedSession)}
}

func (a *memoryArchive) Upsert(_ context.Context, s ledger.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows[s.ID]
	row.Session = s
	a.rows[s.ID] = row
	return nil
}

func (a *memoryArchive) MarkRetired(_ context.Context, id string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	row.Retired = true
	row.RetiredAt = &at
	a.rows[id] = row
	a.retired = append(a.retired, id)
	return nil
}

func (a *memoryArchive) ListRecent(_ context.Context, _ int) ([]repository.ArchivedSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]repository.ArchivedSession, 0, len(a.rows))
	for _, row := range a.rows {
		out = append(out, row)
	}
	return out, nil
}

func (a *memoryArchive) get(id string) (repository.ArchivedSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	return row, ok
}

// unreliableStore fails document creation while failAdds is set.
type unreliableStore struct {
	*docstore.Collection
	failAdds atomic.Bool
}

func (u *unreliableStore) AddDocument(ctx context.Context, id string, fields map[string]string) (string, error) {
	if u.failAdds.Load() {
		return "", errors.New("store unavailable")
	}
	return u.Collection.AddDocument(ctx, id, fields)
}

type fixture struct {
	svc      *MeterService
	adapter  *syncadapter.Adapter
	coll     *docstore.Collection
	store    *unreliableStore
	queue    *syncadapter.Queue
	clock    *ledger.FixedClock
	notifier *recordingNotifier
	archive  *memoryArchive
}

func newFixture(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zaptest.NewLogger(t)
	clock := &ledger.FixedClock{CurrentTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	retry := syncadapter.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	coll := docstore.NewCollection(client, "sessions", logger)
	store := &unreliableStore{Collection: coll}
	adapter := syncadapter.NewAdapter(store, logger)
	queue := syncadapter.NewQueue(syncadapter.QueueConfig{Workers: 1, Size: 64, Retry: retry}, logger)

	f := &fixture{
		adapter:  adapter,
		coll:     coll,
		store:    store,
		queue:    queue,
		clock:    clock,
		notifier: &recordingNotifier{},
	}
	opts := Options{
		Ledger:       ledger.New(ledger.DefaultConfig(), clock),
		Adapter:      adapter,
		Queue:        queue,
		Retry:        retry,
		Notifier:     f.notifier,
		Clock:        clock,
		TickInterval: time.Hour,
		Logger:       logger,
	}
	if withArchive {
		f.archive = newMemoryArchive()
		opts.Archive = f.archive
	}
	f.svc = NewMeterService(opts)
	t.Cleanup(func() { _ = queue.Close(context.Background()) })
	return f
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestPurchasePersistsSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	session, err := f.svc.Purchase(ctx, 4000, nil)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if math.Abs(session.EnergyStart-26.6) > 1e-9 || !session.Running {
		t.Fatalf("unexpected session %+v", session)
	}

	stored, err := f.adapter.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != session.ID {
		t.Fatalf("expected purchased session in store, got %+v", stored)
	}

	waitFor(t, func() bool {
		_, ok := f.archive.get(session.ID)
		return ok
	})
	if f.notifier.count() == 0 {
		t.Fatalf("expected overview broadcast")
	}

	o := f.svc.Overview()
	if o.Amount != 4000 || o.CurrentKwh == nil || *o.CurrentKwh != session.EnergyStart {
		t.Fatalf("unexpected overview inputs %+v", o)
	}
	if len(o.ActiveSessions) != 1 || o.ActiveSessions[0].TimeRemaining == "--:--:--" {
		t.Fatalf("expected one active session with an estimate, got %+v", o.ActiveSessions)
	}
}

func TestPurchaseCreateFailureReconciledByLaterWrite(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.store.failAdds.Store(true)
	session, err := f.svc.Purchase(ctx, 2000, nil)
	if err == nil {
		t.Fatalf("expected purchase to report the failed store write")
	}
	if len(f.svc.Overview().Sessions) != 1 {
		t.Fatalf("expected the session kept locally")
	}
	f.store.failAdds.Store(false)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.svc.Tick()
	}

	want := f.svc.Overview().Sessions[0].EnergyRemaining
	waitFor(t, func() bool {
		stored, err := f.adapter.Sessions(ctx)
		return err == nil && len(stored) == 1 && stored[0].ID == session.ID && stored[0].EnergyRemaining == want
	})
	stored, _ := f.adapter.Sessions(ctx)
	if stored[0].EnergyStart != session.EnergyStart || stored[0].AmountPaid != session.AmountPaid {
		t.Fatalf("expected full session document, got %+v", stored[0])
	}
}

func TestTickDepletesAndSyncsProgress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	manual := 0.34
	session, err := f.svc.Purchase(ctx, 0, &manual)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// one hour at the default 0.34 kW drains the whole session
	f.clock.Advance(time.Hour)
	f.svc.Tick()

	o := f.svc.Overview()
	if o.Totals.TotalEnergyRemaining != 0 || len(o.ActiveSessions) != 0 {
		t.Fatalf("expected session depleted, got %+v", o.Totals)
	}

	waitFor(t, func() bool {
		stored, err := f.adapter.Sessions(ctx)
		return err == nil && len(stored) == 1 && stored[0].EnergyRemaining == 0 && !stored[0].Running
	})
	waitFor(t, func() bool {
		row, ok := f.archive.get(session.ID)
		return ok && !row.Running
	})
}

func TestTickWithoutElapsedTimeChangesNothing(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.svc.Purchase(context.Background(), 2000, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	f.svc.Tick()
	if got := f.svc.Overview().Totals.TotalEnergyRemaining; got != 13.3 {
		t.Fatalf("expected no consumption, got %v", got)
	}
}

func TestApplyManualReading(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.ApplyManualReading(ctx, 5); !errors.Is(err, ErrReadingIgnored) {
		t.Fatalf("expected ErrReadingIgnored without sessions, got %v", err)
	}

	session, err := f.svc.Purchase(ctx, 2000, nil)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := f.svc.ApplyManualReading(ctx, math.NaN()); !errors.Is(err, ErrReadingIgnored) {
		t.Fatalf("expected ErrReadingIgnored for NaN, got %v", err)
	}

	corrected, err := f.svc.ApplyManualReading(ctx, 7.5)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if corrected.ID != session.ID || corrected.EnergyStart != 7.5 || corrected.EnergyRemaining != 7.5 {
		t.Fatalf("unexpected correction %+v", corrected)
	}

	stored, _ := f.adapter.Sessions(ctx)
	if len(stored) != 1 || stored[0].EnergyStart != 7.5 {
		t.Fatalf("expected correction in store, got %+v", stored)
	}
}

func TestResetRetiresStoredSessions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Purchase(ctx, 2000, nil); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	if err := f.svc.SetPower(1.5); err != nil {
		t.Fatalf("set power: %v", err)
	}

	if err := f.svc.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	o := f.svc.Overview()
	if len(o.Sessions) != 0 || o.PowerKw != ledger.DefaultPowerKw || o.Amount != ledger.DefaultBasePurchaseAmount || o.CurrentKwh != nil {
		t.Fatalf("expected default inputs after reset, got %+v", o)
	}

	live, _ := f.adapter.Sessions(ctx)
	if len(live) != 0 {
		t.Fatalf("expected retired sessions hidden, got %+v", live)
	}
	docs, _ := f.coll.Snapshot(ctx)
	if len(docs) != 2 {
		t.Fatalf("expected documents kept in store, got %d", len(docs))
	}

	waitFor(t, func() bool {
		f.archive.mu.Lock()
		defer f.archive.mu.Unlock()
		return len(f.archive.retired) == 2
	})
}

func TestSetInputsRejectInvalidValues(t *testing.T) {
	f := newFixture(t, false)

	if err := f.svc.SetPower(-1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := f.svc.SetAmount(math.Inf(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := f.svc.SetAmount(500); err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if got := f.svc.Overview().Amount; got != 500 {
		t.Fatalf("expected amount 500, got %v", got)
	}
}

func TestHistoryRequiresArchive(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.svc.History(context.Background(), 10); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}
}

func TestRunAppliesRemoteSnapshots(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	remote := ledger.Session{
		ID:              "remote-1",
		AmountPaid:      1000,
		EnergyStart:     6.65,
		EnergyRemaining: 3,
		Running:         true,
		StartedAt:       f.clock.Now(),
		LastUpdatedAt:   f.clock.Now(),
	}
	// the subscription may not be live yet; keep writing until the snapshot arrives
	waitFor(t, func() bool {
		if _, err := f.adapter.Create(ctx, remote); err != nil {
			return false
		}
		o := f.svc.Overview()
		return len(o.Sessions) > 0 && o.Sessions[0].ID == "remote-1"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if err := f.queue.Submit(syncadapter.Task{Op: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, syncadapter.ErrQueueClosed) {
		t.Fatalf("expected queue closed after run, got %v", err)
	}
}
