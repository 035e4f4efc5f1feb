package ledger

import (
	"time"
)

// Reference purchase ratio and draw.
const (
	DefaultBasePurchaseAmount = 2000.0
	DefaultBaseEnergyYield    = 13.3
	DefaultPowerKw            = 0.34
)

// Config holds the purchase ratio (BasePurchaseAmount currency units buy BaseEnergyYield kWh)
// and the power draw restored on reset.
type Config struct {
	BasePurchaseAmount float64 `json:"base_purchase_amount"`
	BaseEnergyYield    float64 `json:"base_energy_yield_kwh"`
	DefaultPowerKw     float64 `json:"default_power_kw"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		BasePurchaseAmount: DefaultBasePurchaseAmount,
		BaseEnergyYield:    DefaultBaseEnergyYield,
		DefaultPowerKw:     DefaultPowerKw,
	}
}

func (c Config) withDefaults() Config {
	if !isFinite(c.BasePurchaseAmount) || c.BasePurchaseAmount <= 0 {
		c.BasePurchaseAmount = DefaultBasePurchaseAmount
	}
	if !isFinite(c.BaseEnergyYield) || c.BaseEnergyYield < 0 {
		c.BaseEnergyYield = DefaultBaseEnergyYield
	}
	if !isFinite(c.DefaultPowerKw) || c.DefaultPowerKw < 0 {
		c.DefaultPowerKw = DefaultPowerKw
	}
	return c
}

// State is the serializable ledger state: the session set plus the user inputs that feed
// purchases and estimates.
type State struct {
	Sessions   []Session `json:"sessions"`
	Amount     float64   `json:"amount"`
	CurrentKwh *float64  `json:"current_kwh"`
	PowerKw    float64   `json:"power_kw"`
}

func (s State) clone() State {
	out := s
	out.Sessions = append([]Session(nil), s.Sessions...)
	if s.CurrentKwh != nil {
		v := *s.CurrentKwh
		out.CurrentKwh = &v
	}
	return out
}

// Ledger is the authoritative in-memory model of all sessions. It is not safe for concurrent
// use; callers serialize access.
type Ledger struct {
	cfg   Config
	clock Clock
	state State
}

// New returns an empty ledger with default inputs.
func New(cfg Config, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	cfg = cfg.withDefaults()
	return &Ledger{
		cfg:   cfg,
		clock: clock,
		state: State{
			Amount:  cfg.BasePurchaseAmount,
			PowerKw: cfg.DefaultPowerKw,
		},
	}
}

// Config returns the effective configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// State returns a copy of the current state.
func (l *Ledger) State() State {
	return l.state.clone()
}

// Sessions returns a copy of the session set in insertion order.
func (l *Ledger) Sessions() []Session {
	return append([]Session(nil), l.state.Sessions...)
}

// ActiveSessions returns the running sessions.
func (l *Ledger) ActiveSessions() []Session {
	var out []Session
	for _, s := range l.state.Sessions {
		if s.Running {
			out = append(out, s)
		}
	}
	return out
}

// EnergyFor converts a purchase amount into kWh using the configured ratio.
func (l *Ledger) EnergyFor(amount float64) float64 {
	return (amount / l.cfg.BasePurchaseAmount) * l.cfg.BaseEnergyYield
}

// Purchase records a new session. A valid manualKwh overrides the amount based formula.
// Invalid amounts fall back to the current purchase amount; an invalid manualKwh is ignored.
// The resulting energy becomes the reading reference for later corrections.
func (l *Ledger) Purchase(amountPaid float64, manualKwh *float64) Session {
	if !isFinite(amountPaid) || amountPaid < 0 {
		amountPaid = l.state.Amount
	}

	energy := l.EnergyFor(amountPaid)
	if manualKwh != nil && isFinite(*manualKwh) && *manualKwh >= 0 {
		energy = *manualKwh
	}

	now := l.clock.Now()
	s := Session{
		ID:              idGenerator(),
		AmountPaid:      amountPaid,
		EnergyStart:     energy,
		EnergyRemaining: energy,
		StartedAt:       now,
		LastUpdatedAt:   now,
	}
	s.settle()

	l.state.Sessions = append(l.state.Sessions, s)
	l.state.Amount = amountPaid
	reading := s.EnergyStart
	l.state.CurrentKwh = &reading
	return s
}

// ApplyManualReading rewrites the most recently added session to the given meter reading.
// It reports false, changing nothing, when there is no session or kwh is not a finite,
// non-negative number.
func (l *Ledger) ApplyManualReading(kwh float64) (Session, bool) {
	if len(l.state.Sessions) == 0 || !isFinite(kwh) || kwh < 0 {
		return Session{}, false
	}

	now := l.clock.Now()
	last := &l.state.Sessions[len(l.state.Sessions)-1]
	last.EnergyStart = kwh
	last.EnergyRemaining = kwh
	last.StartedAt = now
	last.LastUpdatedAt = now
	last.settle()

	reading := kwh
	l.state.CurrentKwh = &reading
	return *last, true
}

// Tick depletes every running session by powerKw over elapsed and returns the sessions that
// changed. Remaining energy is floored at zero. Zero elapsed time or zero power is a no-op.
func (l *Ledger) Tick(elapsed time.Duration, powerKw float64) []Session {
	if elapsed <= 0 || !isFinite(powerKw) || powerKw <= 0 {
		return nil
	}

	consumed := powerKw * elapsed.Hours()
	if consumed <= 0 {
		return nil
	}

	now := l.clock.Now()
	var changed []Session
	for i := range l.state.Sessions {
		s := &l.state.Sessions[i]
		if !s.Running {
			continue
		}
		remaining := s.EnergyRemaining - consumed
		if remaining < 0 {
			remaining = 0
		}
		s.EnergyRemaining = remaining
		s.LastUpdatedAt = now
		s.settle()
		changed = append(changed, *s)
	}
	return changed
}

// Reset stops tracking every session and restores the default inputs. The returned sessions,
// all marked not running, are the ones the caller should retire in the remote store.
func (l *Ledger) Reset() []Session {
	now := l.clock.Now()
	retired := make([]Session, 0, len(l.state.Sessions))
	for _, s := range l.state.Sessions {
		s.Running = false
		s.LastUpdatedAt = now
		retired = append(retired, s)
	}

	l.state = State{
		Amount:  l.cfg.BasePurchaseAmount,
		PowerKw: l.cfg.DefaultPowerKw,
	}
	return retired
}

// Replace installs a full snapshot from the store. The last snapshot wins: no merge with
// local state is attempted.
func (l *Ledger) Replace(sessions []Session) {
	next := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		s.settle()
		next = append(next, s)
	}
	l.state.Sessions = next
}

// SetPower changes the draw used by ticks and estimates. Negative or non-finite values are
// ignored.
func (l *Ledger) SetPower(kw float64) bool {
	if !isFinite(kw) || kw < 0 {
		return false
	}
	l.state.PowerKw = kw
	return true
}

// SetAmount changes the default amount of the next purchase. Negative or non-finite values
// are ignored.
func (l *Ledger) SetAmount(amount float64) bool {
	if !isFinite(amount) || amount < 0 {
		return false
	}
	l.state.Amount = amount
	return true
}
