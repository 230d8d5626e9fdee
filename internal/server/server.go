// Package server assembles the HTTP surface and the realtime relay around
// the auth and chat services.
package server

import (
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/twis/internal/auth"
	"github.com/Tyrowin/twis/internal/config"
	"github.com/Tyrowin/twis/internal/logging"
)

// Server holds the dependencies of the HTTP handlers and owns the hub.
type Server struct {
	cfg      config.Config
	auth     *auth.Service
	relay    Relay
	hub      *Hub
	origins  originPolicy
	upgrader websocket.Upgrader
}

// New creates a Server. Call StartHub before serving requests.
func New(cfg config.Config, authService *auth.Service, relay Relay) *Server {
	s := &Server{
		cfg:     cfg,
		auth:    authService,
		relay:   relay,
		hub:     NewHub(),
		origins: newOriginPolicy(cfg),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// StartHub runs the hub in a separate goroutine.
func (s *Server) StartHub() {
	go s.hub.Run()
	logging.Info().Msg("Hub started and ready to manage realtime connections")
}

// Hub returns the hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}
