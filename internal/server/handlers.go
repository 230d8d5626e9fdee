// Package server exposes the HTTP handlers: register, login, the realtime
// upgrade, and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/twis/internal/auth"
	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/internal/metrics"
)

const maxAuthBodyBytes = 1 << 16

// Error messages returned in the {"error": ...} body.
const (
	msgRequired        = "Nickname and password are required."
	msgNicknameTaken   = "That nickname is already taken."
	msgWrongCredential = "Wrong nickname or password."
	msgRegisterFailed  = "Server error during registration."
	msgLoginFailed     = "Server error during login."
	msgSessionRequired = "A valid session token is required."
)

type authResponse struct {
	Success  bool   `json:"success"`
	Nickname string `json:"nickname"`
	Token    string `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Error writing JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeCredentials reads the JSON body. A body that cannot be decoded is
// reported as a validation failure.
func decodeCredentials(w http.ResponseWriter, r *http.Request) (auth.Credentials, error) {
	var creds auth.Credentials
	body := http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)
	if err := json.NewDecoder(body).Decode(&creds); err != nil {
		return auth.Credentials{}, fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	return creds, nil
}

type authOperation func(ctx context.Context, creds auth.Credentials) (auth.Session, error)

// RegisterHandler handles POST /auth/register.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, "register", s.auth.Register, msgRegisterFailed)
}

// LoginHandler handles POST /auth/login.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, "login", s.auth.Login, msgLoginFailed)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, operation string, op authOperation, serverError string) {
	creds, err := decodeCredentials(w, r)
	if err == nil {
		var session auth.Session
		session, err = op(r.Context(), creds)
		if err == nil {
			metrics.AuthRequests.WithLabelValues(operation, "success").Inc()
			logging.Info().Str("operation", operation).Str("nickname", session.Nickname).Msg("Auth succeeded")
			writeJSON(w, http.StatusOK, authResponse{Success: true, Nickname: session.Nickname, Token: session.Token})
			return
		}
	}

	status, message, result := http.StatusInternalServerError, serverError, "error"
	switch {
	case errors.Is(err, auth.ErrValidation):
		status, message, result = http.StatusBadRequest, msgRequired, "invalid"
	case errors.Is(err, auth.ErrNicknameTaken):
		status, message, result = http.StatusBadRequest, msgNicknameTaken, "conflict"
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, message, result = http.StatusBadRequest, msgWrongCredential, "denied"
	}

	metrics.AuthRequests.WithLabelValues(operation, result).Inc()
	event := logging.Info()
	if status == http.StatusInternalServerError {
		event = logging.Error()
	}
	event.Err(err).Str("operation", operation).Str("nickname", creds.Nickname).Msg("Auth failed")

	writeError(w, status, message)
}

// WebSocketHandler upgrades GET /socket to a realtime connection, joins the
// client to the hub, and sends the history window as its first frame.
// An optional ?token= binds the connection to a session nickname.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Realtime endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, ok := s.sessionIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, msgSessionRequired)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("Realtime upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, s.relay, ClientOptions{
		Addr:           r.RemoteAddr,
		Identity:       identity,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})

	// Joining before the history read means a message stored meanwhile
	// reaches the client either in the history or as a broadcast.
	if !s.hub.Join(client) {
		_ = conn.Close()
		return
	}
	history, seen := s.loadHistory(client)
	s.hub.Activate(client, history, seen)
}

// sessionIdentity returns the nickname of a valid ?token= and whether the
// request may proceed.
func (s *Server) sessionIdentity(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", !s.cfg.RequireSession
	}

	claims, err := s.auth.Tokens().Parse(token)
	if err != nil {
		logging.Info().Err(err).Str("addr", r.RemoteAddr).Msg("Rejected realtime session token")
		return "", false
	}
	return claims.Nickname, true
}

// loadHistory encodes the history window and collects its message ids. A
// failed load is logged and the client connects without history.
func (s *Server) loadHistory(client *Client) ([]byte, map[string]struct{}) {
	history, err := s.relay.History(s.hub.ctx)
	if err != nil {
		logging.Error().Err(err).Str("addr", client.addr).Msg("Fetch messages error")
		return nil, nil
	}

	frame, err := encodeEvent(EventChatHistory, history)
	if err != nil {
		logging.Error().Err(err).Msg("Error encoding chat history")
		return nil, nil
	}

	seen := make(map[string]struct{}, len(history))
	for _, msg := range history {
		seen[msg.ID] = struct{}{}
	}
	return frame, seen
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Twis server is running!")
}
