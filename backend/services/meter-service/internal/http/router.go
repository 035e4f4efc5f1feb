package httpserver

import (
	"net/http"

	"prepaidmeter/backend/services/meter-service/internal/http/handlers"
	"prepaidmeter/backend/services/meter-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Meter     *handlers.MeterHandlers
	WebSocket http.HandlerFunc
	Metrics   http.Handler
}

// NewRouter wires HTTP routes; mutating routes go through authMiddleware.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(http.MethodGet, http.HandlerFunc(handlers.Health)))
	mux.Handle("/overview", method(http.MethodGet, http.HandlerFunc(deps.Meter.Overview)))
	mux.Handle("/sessions/history", method(http.MethodGet, http.HandlerFunc(deps.Meter.History)))

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}

	mux.Handle("/tickets", method(http.MethodPost, authenticated(deps.Meter.Purchase)))
	mux.Handle("/readings", method(http.MethodPost, authenticated(deps.Meter.Reading)))
	mux.Handle("/power", method(http.MethodPut, authenticated(deps.Meter.Power)))
	mux.Handle("/amount", method(http.MethodPut, authenticated(deps.Meter.Amount)))
	mux.Handle("/reset", method(http.MethodPost, authenticated(deps.Meter.Reset)))

	if deps.WebSocket != nil {
		mux.Handle("/ws", method(http.MethodGet, deps.WebSocket))
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", method(http.MethodGet, deps.Metrics))
	}
	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
