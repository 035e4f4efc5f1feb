package service

import (
	"time"

	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/syncadapter"
)

// Overview is the dashboard view: user inputs, totals, sessions and sync health.
type Overview struct {
	PowerKw        float64            `json:"power_kw"`
	Amount         float64            `json:"amount"`
	CurrentKwh     *float64           `json:"current_kwh"`
	Totals         ledger.Totals      `json:"totals"`
	Sessions       []ledger.Session   `json:"sessions"`
	ActiveSessions []ActiveSession    `json:"active_sessions"`
	Sync           syncadapter.Status `json:"sync"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

// ActiveSession is a running session with its time-remaining estimate.
type ActiveSession struct {
	ledger.Session
	SecondsRemaining *float64 `json:"seconds_remaining"`
	TimeRemaining    string   `json:"time_remaining"`
}

func newActiveSession(s ledger.Session, powerKw float64) ActiveSession {
	secs := s.SecondsRemaining(powerKw)
	out := ActiveSession{
		Session:       s,
		TimeRemaining: ledger.FormatDuration(secs),
	}
	if ledger.Known(secs) {
		out.SecondsRemaining = &secs
	}
	return out
}
