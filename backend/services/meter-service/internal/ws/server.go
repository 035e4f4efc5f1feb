package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP connections to dashboard WebSockets.
type Server struct {
	hub          *Hub
	snapshot     func() any
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	ctx context.Context
}

// NewServer builds ws server. snapshot supplies the overview sent to each new client; ctx
// bounds the lifetime of every connection.
func NewServer(ctx context.Context, hub *Hub, snapshot func() any, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &Server{
		hub:          hub,
		snapshot:     snapshot,
		logger:       logger.Named("ws"),
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx: ctx,
	}
}

// HandleWS is HTTP handler for /ws endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	client := NewClient(uuid.NewString(), conn, s.writeTimeout, s.logger, func(id string) {
		s.hub.Remove(id)
		cancel()
	})
	s.hub.Add(client)

	if s.snapshot != nil {
		if payload, err := encode(s.snapshot()); err == nil {
			client.Send(payload)
		} else {
			s.logger.Error("failed to encode snapshot", zap.Error(err))
		}
	}

	go client.Start(ctx)
	s.logger.Info("client connected", zap.String("client_id", client.ID()), zap.String("remote", r.RemoteAddr))
}
