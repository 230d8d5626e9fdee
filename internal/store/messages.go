package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const messageKeyPrefix = "messages/"

// Message is a persisted chat message. Time is assigned by the server.
type Message struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Text     string    `json:"text"`
	Time     time.Time `json:"time"`
}

// messageKey pads the timestamp to 19 digits so byte order matches time
// order; the time-ordered id breaks ties between messages stored in the same
// clock tick.
func messageKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%019d/%s", messageKeyPrefix, at.UnixNano(), id))
}

// InsertMessage stores a message and returns it with its generated id and
// timestamp.
func (s *Store) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if err := s.ready(ctx); err != nil {
		return Message{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, storageFailure("message id", err)
	}
	msg.ID = id.String()
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, storageFailure("marshal message", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.Time, msg.ID), data)
	})
	if err != nil {
		return Message{}, storageFailure("insert message", err)
	}
	return msg, nil
}

// RecentMessages returns the newest limit messages in ascending time order.
// The scan walks backwards from the newest key so that the window always
// holds the latest messages, then the result is flipped for display.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	messages := make([]Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messageKeyPrefix)
		// '~' sorts after every digit, so the seek lands on the newest key.
		for it.Seek(append(prefix, '~')); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, storageFailure("recent messages", err)
	}

	return lo.Reverse(messages), nil
}
