package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/repository"
	"prepaidmeter/backend/services/meter-service/internal/service"
)

const defaultHistoryLimit = 50

// Meter is the behaviour the HTTP surface needs from the meter service.
type Meter interface {
	Overview() service.Overview
	Purchase(ctx context.Context, amount float64, manualKwh *float64) (ledger.Session, error)
	ApplyManualReading(ctx context.Context, kwh float64) (ledger.Session, error)
	Reset(ctx context.Context) error
	SetPower(kw float64) error
	SetAmount(amount float64) error
	History(ctx context.Context, limit int) ([]repository.ArchivedSession, error)
}

// MeterHandlers exposes meter actions over HTTP.
type MeterHandlers struct {
	meter  Meter
	logger *zap.Logger
}

// NewMeterHandlers builds handler set.
func NewMeterHandlers(meter Meter, logger *zap.Logger) *MeterHandlers {
	return &MeterHandlers{
		meter:  meter,
		logger: logger,
	}
}

type purchaseRequest struct {
	Amount    *float64 `json:"amount"`
	ManualKwh *float64 `json:"manual_kwh"`
}

type readingRequest struct {
	Kwh *float64 `json:"kwh"`
}

type powerRequest struct {
	PowerKw *float64 `json:"power_kw"`
}

type amountRequest struct {
	Amount *float64 `json:"amount"`
}

type sessionResponse struct {
	Session  ledger.Session   `json:"session"`
	Overview service.Overview `json:"overview"`
}

// Overview handles GET /overview.
func (h *MeterHandlers) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.meter.Overview())
}

// Purchase handles POST /tickets. A missing or negative amount buys at the current purchase
// amount.
func (h *MeterHandlers) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount := math.NaN()
	if req.Amount != nil {
		amount = *req.Amount
	}

	session, err := h.meter.Purchase(r.Context(), amount, req.ManualKwh)
	if err != nil {
		h.logger.Error("purchase not persisted", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "session recorded, store write pending retry")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session, Overview: h.meter.Overview()})
}

// Reading handles POST /readings.
func (h *MeterHandlers) Reading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kwh == nil {
		writeError(w, http.StatusBadRequest, "kwh is required")
		return
	}

	session, err := h.meter.ApplyManualReading(r.Context(), *req.Kwh)
	switch {
	case errors.Is(err, service.ErrReadingIgnored):
		writeError(w, http.StatusUnprocessableEntity, "reading ignored: no session or invalid value")
		return
	case err != nil:
		h.logger.Error("reading not persisted", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "reading applied but not persisted")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Overview: h.meter.Overview()})
}

// Power handles PUT /power.
func (h *MeterHandlers) Power(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PowerKw == nil {
		writeError(w, http.StatusBadRequest, "power_kw is required")
		return
	}
	if err := h.meter.SetPower(*req.PowerKw); err != nil {
		writeError(w, http.StatusBadRequest, "power_kw must be a non-negative number")
		return
	}
	writeJSON(w, http.StatusOK, h.meter.Overview())
}

// Amount handles PUT /amount.
func (h *MeterHandlers) Amount(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	if err := h.meter.SetAmount(*req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative number")
		return
	}
	writeJSON(w, http.StatusOK, h.meter.Overview())
}

// Reset handles POST /reset.
func (h *MeterHandlers) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.meter.Reset(r.Context()); err != nil {
		h.logger.Error("reset not fully persisted", zap.Error(err))
		writeError(w, http.StatusBadGateway, "ledger reset but some sessions were not retired")
		return
	}
	writeJSON(w, http.StatusOK, h.meter.Overview())
}

// History handles GET /sessions/history.
func (h *MeterHandlers) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	sessions, err := h.meter.History(r.Context(), limit)
	switch {
	case errors.Is(err, service.ErrArchiveDisabled):
		writeError(w, http.StatusNotFound, "session archive disabled")
		return
	case err != nil:
		h.logger.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch session history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
