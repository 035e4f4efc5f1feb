package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var idGenerator = func() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Session is one purchased allotment of energy, tracked from purchase until it is depleted.
type Session struct {
	ID              string    `json:"id"`
	AmountPaid      float64   `json:"amount_paid"`
	EnergyStart     float64   `json:"energy_start_kwh"`
	EnergyRemaining float64   `json:"energy_remaining_kwh"`
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// settle clamps the remaining energy into [0, EnergyStart] and derives Running from it.
// Every ledger mutation funnels through here.
func (s *Session) settle() {
	if !isFinite(s.EnergyStart) || s.EnergyStart < 0 {
		s.EnergyStart = 0
	}
	if !isFinite(s.EnergyRemaining) || s.EnergyRemaining < 0 {
		s.EnergyRemaining = 0
	}
	if s.EnergyRemaining > s.EnergyStart {
		s.EnergyRemaining = s.EnergyStart
	}
	s.Running = s.EnergyRemaining > 0
}

// SecondsRemaining estimates how long the session lasts at powerKw.
// It returns +Inf when powerKw is not positive.
func (s Session) SecondsRemaining(powerKw float64) float64 {
	if !(powerKw > 0) {
		return math.Inf(1)
	}
	return s.EnergyRemaining / powerKw * 3600
}

// FormatDuration renders seconds as HH:MM:SS, or --:--:-- for an unknown duration or one
// too long to count.
func FormatDuration(seconds float64) string {
	if !isFinite(seconds) || seconds >= math.MaxInt64 {
		return "--:--:--"
	}
	if seconds < 0 {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
