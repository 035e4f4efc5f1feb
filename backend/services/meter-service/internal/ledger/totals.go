package ledger

import (
	"encoding/json"
	"math"
)

// Unknown is the sentinel for estimates that cannot be computed.
var Unknown = math.Inf(1)

// Known reports whether an estimate holds a real value.
func Known(v float64) bool {
	return isFinite(v)
}

// Totals aggregates the session set.
type Totals struct {
	TotalEnergyPurchased float64
	TotalEnergyRemaining float64
	HoursRemaining       float64
	DaysRemaining        float64
	Balance              float64
}

// MarshalJSON encodes unknown estimates as null.
func (t Totals) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalEnergyPurchased float64  `json:"total_energy_purchased_kwh"`
		TotalEnergyRemaining float64  `json:"total_energy_remaining_kwh"`
		HoursRemaining       *float64 `json:"hours_remaining"`
		DaysRemaining        *float64 `json:"days_remaining"`
		Balance              *float64 `json:"balance"`
	}{
		TotalEnergyPurchased: t.TotalEnergyPurchased,
		TotalEnergyRemaining: t.TotalEnergyRemaining,
		HoursRemaining:       knownOrNil(t.HoursRemaining),
		DaysRemaining:        knownOrNil(t.DaysRemaining),
		Balance:              knownOrNil(t.Balance),
	})
}

func knownOrNil(v float64) *float64 {
	if !Known(v) {
		return nil
	}
	return &v
}

// Aggregate sums purchased and remaining energy and derives time and balance estimates.
// Hours are Unknown when the power draw is zero; the balance is Unknown without a positive
// meter reading.
func (l *Ledger) Aggregate() Totals {
	var t Totals
	for _, s := range l.state.Sessions {
		t.TotalEnergyPurchased += s.EnergyStart
		t.TotalEnergyRemaining += s.EnergyRemaining
	}

	t.HoursRemaining = Unknown
	t.DaysRemaining = Unknown
	if l.state.PowerKw > 0 {
		t.HoursRemaining = t.TotalEnergyRemaining / l.state.PowerKw
		t.DaysRemaining = t.HoursRemaining / 24
	}

	t.Balance = Unknown
	if kwh := l.state.CurrentKwh; kwh != nil && *kwh > 0 {
		t.Balance = t.TotalEnergyRemaining * (l.state.Amount / *kwh)
	}
	return t
}
