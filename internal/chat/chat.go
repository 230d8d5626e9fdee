// Package chat holds the message rules of the relay: sanitizing inbound
// messages, persisting them, and reading the history window.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/twis/internal/store"
)

const (
	// DefaultHistoryLimit is the size of the history window sent on connect.
	DefaultHistoryLimit = 100

	// AnonymousNickname replaces a blank sender nickname.
	AnonymousNickname = "Anon"
)

// ErrEmptyMessage is returned when a message has no text after trimming.
// Callers drop such messages without telling the sender.
var ErrEmptyMessage = errors.New("empty message")

// Incoming is a message as published by a client.
type Incoming struct {
	Nickname string `json:"nickname"`
	Text     string `json:"text"`
}

// UnmarshalJSON accepts any JSON scalar for both fields. Numbers and
// booleans keep their literal text; null, false and zero count as empty.
func (in *Incoming) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nickname json.RawMessage `json:"nickname"`
		Text     json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nickname, err := scalarText(raw.Nickname)
	if err != nil {
		return fmt.Errorf("nickname: %w", err)
	}
	text, err := scalarText(raw.Text)
	if err != nil {
		return fmt.Errorf("text: %w", err)
	}

	in.Nickname, in.Text = nickname, text
	return nil
}

var errNotScalar = errors.New("expected a string, number or boolean")

func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '{', '[':
		return "", errNotScalar
	}

	literal := string(raw)
	switch literal {
	case "null", "false":
		return "", nil
	case "true":
		return literal, nil
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return "", errNotScalar
	}
	if f == 0 {
		return "", nil
	}
	return literal, nil
}

// Message is the persisted record delivered to clients.
type Message = store.Message

// Sanitize trims both fields and defaults a blank nickname. It reports false
// when the text is empty.
func Sanitize(in Incoming) (Incoming, bool) {
	out := Incoming{
		Nickname: strings.TrimSpace(in.Nickname),
		Text:     strings.TrimSpace(in.Text),
	}
	if out.Nickname == "" {
		out.Nickname = AnonymousNickname
	}
	return out, out.Text != ""
}

// MessageStore is the subset of the document store used by the service.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	RecentMessages(ctx context.Context, limit int) ([]store.Message, error)
}

// Service persists published messages and serves history.
type Service struct {
	messages     MessageStore
	historyLimit int
}

// NewService creates a Service. A non-positive historyLimit selects
// DefaultHistoryLimit.
func NewService(messages MessageStore, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Service{messages: messages, historyLimit: historyLimit}
}

// Publish sanitizes and stores in, returning the stored record to broadcast.
func (s *Service) Publish(ctx context.Context, in Incoming) (Message, error) {
	clean, ok := Sanitize(in)
	if !ok {
		return Message{}, ErrEmptyMessage
	}

	saved, err := s.messages.InsertMessage(ctx, store.Message{
		Nickname: clean.Nickname,
		Text:     clean.Text,
	})
	if err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	return saved, nil
}

// History returns the newest messages of the window, oldest first.
func (s *Service) History(ctx context.Context) ([]Message, error) {
	msgs, err := s.messages.RecentMessages(ctx, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}
