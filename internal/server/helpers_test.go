package server_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/twis/internal/auth"
	"github.com/Tyrowin/twis/internal/chat"
	"github.com/Tyrowin/twis/internal/config"
	"github.com/Tyrowin/twis/internal/server"
	"github.com/Tyrowin/twis/internal/store"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// testEnv is a running Twis instance backed by an in-memory store.
type testEnv struct {
	cfg   config.Config
	store *store.Store
	srv   *server.Server
	http  *httptest.Server
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()
	st, err := store.Open("", true)
	require.NoError(t, err)
	return newTestEnvWithStore(t, st, customize)
}

func newTestEnvWithStore(t *testing.T, st *store.Store, customize func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	if customize != nil {
		customize(&cfg)
	}

	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	srv := server.New(cfg, auth.NewService(st, tokens), chat.NewService(st, cfg.HistoryLimit))
	srv.StartHub()
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() { _ = st.Close() })
	t.Cleanup(func() { _ = srv.Hub().Shutdown(2 * time.Second) })
	t.Cleanup(ts.Close)

	return &testEnv{cfg: cfg, store: st, srv: srv, http: ts}
}

func (e *testEnv) socketURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/socket"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

type authReply struct {
	Success  bool   `json:"success"`
	Nickname string `json:"nickname"`
	Token    string `json:"token"`
	Error    string `json:"error"`
}

func (e *testEnv) postAuth(t *testing.T, mode, body string) (int, authReply) {
	t.Helper()

	resp, err := http.Post(e.http.URL+"/auth/"+mode, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var reply authReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return resp.StatusCode, reply
}

func credentials(nickname, password string) string {
	payload, _ := json.Marshal(map[string]string{"nickname": nickname, "password": password})
	return string(payload)
}

// register creates an account and returns its session token.
func (e *testEnv) register(t *testing.T, nickname, password string) string {
	t.Helper()
	status, reply := e.postAuth(t, "register", credentials(nickname, password))
	require.Equal(t, http.StatusOK, status, reply.Error)
	require.NotEmpty(t, reply.Token)
	return reply.Token
}

func (e *testEnv) seedMessages(t *testing.T, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := e.store.InsertMessage(context.Background(), store.Message{Nickname: "seed", Text: text})
		require.NoError(t, err)
	}
}

// peer is a test realtime connection. A frame may carry several envelopes,
// so decoded envelopes are buffered until consumed.
type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []server.Envelope
}

func dial(t *testing.T, rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(rawURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func (e *testEnv) connect(t *testing.T, token string) *peer {
	t.Helper()
	conn, _, err := dial(t, e.socketURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) next() server.Envelope {
	p.t.Helper()
	for len(p.pending) == 0 {
		require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := p.conn.ReadMessage()
		require.NoError(p.t, err)

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var env server.Envelope
			require.NoError(p.t, json.Unmarshal(line, &env))
			p.pending = append(p.pending, env)
		}
	}

	env := p.pending[0]
	p.pending = p.pending[1:]
	return env
}

func (p *peer) history() []store.Message {
	p.t.Helper()
	env := p.next()
	require.Equal(p.t, server.EventChatHistory, env.Event)

	var msgs []store.Message
	require.NoError(p.t, json.Unmarshal(env.Data, &msgs))
	return msgs
}

func (p *peer) message() store.Message {
	p.t.Helper()
	env := p.next()
	require.Equal(p.t, server.EventChatMessage, env.Event)

	var msg store.Message
	require.NoError(p.t, json.Unmarshal(env.Data, &msg))
	return msg
}

func (p *peer) send(nickname, text string) {
	p.t.Helper()
	data, err := json.Marshal(chat.Incoming{Nickname: nickname, Text: text})
	require.NoError(p.t, err)
	frame, err := json.Marshal(server.Envelope{Event: server.EventChatMessage, Data: data})
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

// expectClosed waits for the server to drop the connection.
func (p *peer) expectClosed() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := p.conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			p.t.Fatalf("connection still open: %v", err)
		}
		return
	}
}
