package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/metrics"
	"prepaidmeter/backend/services/meter-service/internal/repository"
	"prepaidmeter/backend/services/meter-service/internal/syncadapter"
)

var (
	// ErrReadingIgnored is returned when a manual reading cannot be applied.
	ErrReadingIgnored = errors.New("reading ignored: no session or invalid value")
	// ErrInvalidInput is returned for rejected power or amount values.
	ErrInvalidInput = errors.New("invalid input")
	// ErrArchiveDisabled is returned by History when no archive is configured.
	ErrArchiveDisabled = errors.New("session archive disabled")
)

const (
	opCreate  = "create"
	opCorrect = "correct"
	opUpdate  = "update"
	opArchive = "archive"
	opRetire  = "retire"

	defaultTickInterval = time.Second
	queueDrainTimeout   = 5 * time.Second
)

// Archive keeps the durable session history.
type Archive interface {
	Upsert(ctx context.Context, s ledger.Session) error
	MarkRetired(ctx context.Context, id string, at time.Time) error
	ListRecent(ctx context.Context, limit int) ([]repository.ArchivedSession, error)
}

// Notifier pushes overviews to connected clients.
type Notifier interface {
	Broadcast(v any)
}

// Options wires MeterService dependencies. Archive and Notifier are optional.
type Options struct {
	Ledger       *ledger.Ledger
	Adapter      *syncadapter.Adapter
	Queue        *syncadapter.Queue
	Retry        syncadapter.RetryPolicy
	Archive      Archive
	Notifier     Notifier
	Clock        ledger.Clock
	TickInterval time.Duration
	Logger       *zap.Logger
}

// MeterService drives the ledger: it applies consumption on a fixed cadence, handles user
// actions, and reconciles the ledger with store snapshots.
type MeterService struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	lastTick time.Time

	adapter  *syncadapter.Adapter
	queue    *syncadapter.Queue
	retry    syncadapter.RetryPolicy
	archive  Archive
	notifier Notifier
	clock    ledger.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewMeterService builds service.
func NewMeterService(opts Options) *MeterService {
	if opts.Clock == nil {
		opts.Clock = ledger.SystemClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MeterService{
		ledger:   opts.Ledger,
		lastTick: opts.Clock.Now(),
		adapter:  opts.Adapter,
		queue:    opts.Queue,
		retry:    opts.Retry,
		archive:  opts.Archive,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		interval: opts.TickInterval,
		logger:   opts.Logger.Named("meter"),
	}
}

// Run subscribes to the store and ticks until ctx is done. On exit it unsubscribes and drains
// the write queue.
func (s *MeterService) Run(ctx context.Context) error {
	unsubscribe, err := s.adapter.Subscribe(ctx, s.applySnapshot)
	if err != nil {
		if ctx.Err() != nil {
			s.shutdown(func() {})
			return nil
		}
		return fmt.Errorf("subscribe to sessions: %w", err)
	}
	defer s.shutdown(unsubscribe)

	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("meter loop started", zap.Duration("tick_interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *MeterService) shutdown(unsubscribe func()) {
	unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
	defer cancel()
	if err := s.queue.Close(ctx); err != nil {
		s.logger.Warn("write queue not drained", zap.Error(err))
	}
	s.logger.Info("meter loop stopped")
}

// Tick applies the consumption since the previous tick at the current power draw and queues
// the resulting store writes.
func (s *MeterService) Tick() {
	s.mu.Lock()
	now := s.clock.Now()
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now

	before := s.ledger.Aggregate().TotalEnergyRemaining
	changed := s.ledger.Tick(elapsed, s.ledger.State().PowerKw)
	after := s.ledger.Aggregate().TotalEnergyRemaining
	overview := s.overviewLocked()
	notifier := s.notifier
	s.mu.Unlock()

	metrics.TicksTotal.Inc()
	if consumed := before - after; consumed > 0 {
		metrics.EnergyConsumedKwh.Add(consumed)
	}

	for _, session := range changed {
		s.submitUpdate(session)
		if !session.Running {
			s.logger.Info("session depleted", zap.String("id", session.ID))
			s.submitArchive(session)
		}
	}

	notify(notifier, overview)
}

// Purchase records a ticket purchase and persists the new session.
func (s *MeterService) Purchase(ctx context.Context, amount float64, manualKwh *float64) (ledger.Session, error) {
	s.mu.Lock()
	session := s.ledger.Purchase(amount, manualKwh)
	s.mu.Unlock()

	metrics.PurchasesTotal.Inc()
	s.logger.Info("ticket purchased",
		zap.String("id", session.ID),
		zap.Float64("amount", session.AmountPaid),
		zap.Float64("energy_kwh", session.EnergyStart),
	)

	_, err := s.write(ctx, opCreate, func(ctx context.Context) error {
		_, err := s.adapter.Create(ctx, session)
		return err
	})
	if err != nil {
		// the next write for this session, queued or from a tick, creates the document
		s.submitUpdate(session)
	}
	s.submitArchive(session)
	s.broadcast()
	if err != nil {
		return session, fmt.Errorf("persist session %s: %w", session.ID, err)
	}
	return session, nil
}

// ApplyManualReading corrects the most recent session to a meter reading.
func (s *MeterService) ApplyManualReading(ctx context.Context, kwh float64) (ledger.Session, error) {
	s.mu.Lock()
	session, ok := s.ledger.ApplyManualReading(kwh)
	s.mu.Unlock()
	if !ok {
		return ledger.Session{}, ErrReadingIgnored
	}

	s.logger.Info("manual reading applied", zap.String("id", session.ID), zap.Float64("kwh", kwh))

	_, err := s.write(ctx, opCorrect, func(ctx context.Context) error {
		return s.adapter.Save(ctx, session, syncadapter.CorrectionFields(session))
	})
	s.submitArchive(session)
	s.broadcast()
	if err != nil {
		return session, fmt.Errorf("persist reading for %s: %w", session.ID, err)
	}
	return session, nil
}

// Reset clears the ledger and retires every session in the store. Every failed retirement is
// reported.
func (s *MeterService) Reset(ctx context.Context) error {
	s.mu.Lock()
	retired := s.ledger.Reset()
	s.mu.Unlock()

	s.logger.Info("ledger reset", zap.Int("sessions", len(retired)))

	var errs []error
	for _, session := range retired {
		_, err := s.write(ctx, opRetire, func(ctx context.Context) error {
			return s.adapter.Retire(ctx, session, session.LastUpdatedAt)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("retire %s: %w", session.ID, err))
		}
		s.submitRetire(session)
	}
	s.broadcast()
	return errors.Join(errs...)
}

// SetPower changes the power draw.
func (s *MeterService) SetPower(kw float64) error {
	s.mu.Lock()
	ok := s.ledger.SetPower(kw)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("power %v: %w", kw, ErrInvalidInput)
	}
	s.broadcast()
	return nil
}

// SetAmount changes the default purchase amount.
func (s *MeterService) SetAmount(amount float64) error {
	s.mu.Lock()
	ok := s.ledger.SetAmount(amount)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("amount %v: %w", amount, ErrInvalidInput)
	}
	s.broadcast()
	return nil
}

// History returns archived sessions, newest first.
func (s *MeterService) History(ctx context.Context, limit int) ([]repository.ArchivedSession, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.ListRecent(ctx, limit)
}

// Overview returns the current view of the meter.
func (s *MeterService) Overview() Overview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overviewLocked()
}

func (s *MeterService) overviewLocked() Overview {
	state := s.ledger.State()
	totals := s.ledger.Aggregate()

	active := make([]ActiveSession, 0)
	for _, session := range s.ledger.ActiveSessions() {
		active = append(active, newActiveSession(session, state.PowerKw))
	}

	metrics.ActiveSessions.Set(float64(len(active)))
	metrics.EnergyRemainingKwh.Set(totals.TotalEnergyRemaining)

	var status syncadapter.Status
	if s.queue != nil {
		status = s.queue.Status()
	}

	sessions := state.Sessions
	if sessions == nil {
		sessions = []ledger.Session{}
	}
	return Overview{
		PowerKw:        state.PowerKw,
		Amount:         state.Amount,
		CurrentKwh:     state.CurrentKwh,
		Totals:         totals,
		Sessions:       sessions,
		ActiveSessions: active,
		Sync:           status,
		GeneratedAt:    s.clock.Now(),
	}
}

// applySnapshot installs a store snapshot; the last snapshot wins.
func (s *MeterService) applySnapshot(sessions []ledger.Session) {
	s.mu.Lock()
	s.ledger.Replace(sessions)
	overview := s.overviewLocked()
	notifier := s.notifier
	s.mu.Unlock()

	metrics.SnapshotsTotal.Inc()
	s.logger.Debug("snapshot applied", zap.Int("sessions", len(sessions)))
	notify(notifier, overview)
}

func (s *MeterService) broadcast() {
	s.mu.Lock()
	overview := s.overviewLocked()
	notifier := s.notifier
	s.mu.Unlock()
	notify(notifier, overview)
}

func notify(n Notifier, overview Overview) {
	if n != nil {
		n.Broadcast(overview)
	}
}

// write runs a synchronous store write with the retry policy and records its outcome.
func (s *MeterService) write(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	start := time.Now()
	attempts, err := s.retry.Do(ctx, fn)
	metrics.ObserveWrite(op, time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Error("store write failed", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(err))
	}
	return attempts, err
}

func (s *MeterService) submitUpdate(session ledger.Session) {
	fields := syncadapter.ProgressFields(session)
	s.submit(syncadapter.Task{
		Key: session.ID,
		Op:  opUpdate,
		Run: func(ctx context.Context) error {
			return s.adapter.Save(ctx, session, fields)
		},
	})
}

func (s *MeterService) submitArchive(session ledger.Session) {
	if s.archive == nil {
		return
	}
	s.submit(syncadapter.Task{
		Key: "archive:" + session.ID,
		Op:  opArchive,
		Run: func(ctx context.Context) error {
			return s.archive.Upsert(ctx, session)
		},
	})
}

func (s *MeterService) submitRetire(session ledger.Session) {
	if s.archive == nil {
		return
	}
	s.submit(syncadapter.Task{
		Key: "archive:" + session.ID,
		Op:  opRetire,
		Run: func(ctx context.Context) error {
			if err := s.archive.Upsert(ctx, session); err != nil {
				return err
			}
			return s.archive.MarkRetired(ctx, session.ID, session.LastUpdatedAt)
		},
	})
}

func (s *MeterService) submit(task syncadapter.Task) {
	if err := s.queue.Submit(task); err != nil && !errors.Is(err, syncadapter.ErrQueueFull) {
		s.logger.Warn("store write not queued", zap.String("key", task.Key), zap.String("op", task.Op), zap.Error(err))
	}
}
