package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const userKeyPrefix = "users/"

// User is a registered account. Password holds the encoded credential hash,
// never the plain password.
type User struct {
	ID            string    `json:"id"`
	Nickname      string    `json:"nickname"`
	NicknameLower string    `json:"nicknameLower"`
	Password      string    `json:"password"`
	CreatedAt     time.Time `json:"createdAt"`
}

func userKey(nicknameLower string) []byte {
	return []byte(userKeyPrefix + nicknameLower)
}

// CreateUser inserts a user keyed by its folded nickname and returns the
// stored document. It returns ErrConflict if the key is taken or if a
// concurrent registration for the same key commits first.
func (s *Store) CreateUser(ctx context.Context, user User) (User, error) {
	if err := s.ready(ctx); err != nil {
		return User{}, err
	}

	user.ID = uuid.NewString()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(user)
	if err != nil {
		return User{}, storageFailure("marshal user", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := userKey(user.NicknameLower)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ErrConflict
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrConflict), errors.Is(err, badger.ErrConflict):
		return User{}, ErrConflict
	default:
		return User{}, storageFailure("create user", err)
	}
}

// FindUser looks a user up by folded nickname.
func (s *Store) FindUser(ctx context.Context, nicknameLower string) (User, error) {
	if err := s.ready(ctx); err != nil {
		return User{}, err
	}

	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(nicknameLower))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrNotFound):
		return User{}, ErrNotFound
	default:
		return User{}, storageFailure("find user", err)
	}
}

// CountUsers returns the number of stored users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, storageFailure("count users", err)
	}
	return count, nil
}
