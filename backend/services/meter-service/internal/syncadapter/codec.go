package syncadapter

import (
	"fmt"
	"strconv"
	"time"

	"prepaidmeter/backend/services/meter-service/internal/docstore"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
)

// Document field names.
const (
	fieldAmountPaid      = "amount_paid"
	fieldEnergyStart     = "energy_start_kwh"
	fieldEnergyRemaining = "energy_remaining_kwh"
	fieldRunning         = "running"
	fieldStartedAt       = "started_at"
	fieldLastUpdatedAt   = "last_updated_at"
	fieldRetired         = "retired"
)

// Fields is a partial session update. Nil members are left untouched in the store.
type Fields struct {
	EnergyStart     *float64
	EnergyRemaining *float64
	Running         *bool
	StartedAt       *time.Time
	LastUpdatedAt   *time.Time
	Retired         *bool
}

// ProgressFields carries what a tick changes.
func ProgressFields(s ledger.Session) Fields {
	return Fields{
		EnergyRemaining: &s.EnergyRemaining,
		Running:         &s.Running,
		LastUpdatedAt:   &s.LastUpdatedAt,
	}
}

// CorrectionFields carries what a manual meter reading changes.
func CorrectionFields(s ledger.Session) Fields {
	return Fields{
		EnergyStart:     &s.EnergyStart,
		EnergyRemaining: &s.EnergyRemaining,
		Running:         &s.Running,
		StartedAt:       &s.StartedAt,
		LastUpdatedAt:   &s.LastUpdatedAt,
	}
}

// RetireFields marks a session stopped and hidden from future snapshots.
func RetireFields(at time.Time) Fields {
	running, retired := false, true
	return Fields{
		Running:       &running,
		LastUpdatedAt: &at,
		Retired:       &retired,
	}
}

func (f Fields) encode() map[string]string {
	out := make(map[string]string, 6)
	if f.EnergyStart != nil {
		out[fieldEnergyStart] = formatFloat(*f.EnergyStart)
	}
	if f.EnergyRemaining != nil {
		out[fieldEnergyRemaining] = formatFloat(*f.EnergyRemaining)
	}
	if f.Running != nil {
		out[fieldRunning] = strconv.FormatBool(*f.Running)
	}
	if f.StartedAt != nil {
		out[fieldStartedAt] = formatTime(*f.StartedAt)
	}
	if f.LastUpdatedAt != nil {
		out[fieldLastUpdatedAt] = formatTime(*f.LastUpdatedAt)
	}
	if f.Retired != nil {
		out[fieldRetired] = strconv.FormatBool(*f.Retired)
	}
	return out
}

func encodeSession(s ledger.Session) map[string]string {
	out := CorrectionFields(s).encode()
	out[fieldAmountPaid] = formatFloat(s.AmountPaid)
	out[fieldRetired] = "false"
	return out
}

// decodeSession converts a stored document back into a session and reports whether the
// document has been retired.
func decodeSession(doc docstore.Document) (ledger.Session, bool, error) {
	f := doc.Fields
	s := ledger.Session{ID: doc.ID}

	var err error
	if s.AmountPaid, err = parseFloat(f, fieldAmountPaid); err != nil {
		return s, false, err
	}
	if s.EnergyStart, err = parseFloat(f, fieldEnergyStart); err != nil {
		return s, false, err
	}
	if s.EnergyRemaining, err = parseFloat(f, fieldEnergyRemaining); err != nil {
		return s, false, err
	}
	if s.StartedAt, err = parseTime(f, fieldStartedAt); err != nil {
		if s.StartedAt, err = doc.CreatedAt(); err != nil {
			return s, false, fmt.Errorf("document %s: missing %s", doc.ID, fieldStartedAt)
		}
	}
	if s.LastUpdatedAt, err = parseTime(f, fieldLastUpdatedAt); err != nil {
		s.LastUpdatedAt = s.StartedAt
	}
	// running is derived by the ledger from the remaining energy
	s.Running = s.EnergyRemaining > 0

	retired := false
	if raw, ok := f[fieldRetired]; ok && raw != "" {
		if retired, err = strconv.ParseBool(raw); err != nil {
			return s, false, fmt.Errorf("document %s: parse %s: %w", doc.ID, fieldRetired, err)
		}
	}
	return s, retired, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseFloat(fields map[string]string, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func parseTime(fields map[string]string, key string) (time.Time, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("missing %s", key)
	}
	return time.Parse(time.RFC3339Nano, raw)
}
