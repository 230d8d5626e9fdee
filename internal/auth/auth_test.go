package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/twis/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tokens, err := NewTokens("test-secret", time.Hour)
	require.NoError(t, err)
	return NewService(s, tokens), s
}

func TestHashAndCompare(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("pw1")
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$argon2id$"))
	req.NotContains(hash, "pw1")

	match, err := ComparePassword("pw1", hash)
	req.NoError(err)
	req.True(match)

	match, err = ComparePassword("PW1", hash)
	req.NoError(err)
	req.False(match)
}

func TestHashUsesFreshSalt(t *testing.T) {
	req := require.New(t)

	first, err := HashPassword("same")
	req.NoError(err)
	second, err := HashPassword("same")
	req.NoError(err)
	req.NotEqual(first, second)
}

func TestComparePasswordRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{"", "plaintext", "$argon2id$v=19$m=1,t=1,p=1$!!$!!", "$bcrypt$a$b$c$d"} {
		match, err := ComparePassword("pw", encoded)
		if err == nil || match {
			t.Errorf("ComparePassword(%q) = %v, %v; want false with error", encoded, match, err)
		}
	}
}

func TestRegisterThenLogin(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, Credentials{Nickname: "Alice", Password: "pw1"})
	req.NoError(err)
	req.Equal("Alice", session.Nickname)
	req.NotEmpty(session.Token)

	session, err = svc.Login(ctx, Credentials{Nickname: "Alice", Password: "pw1"})
	req.NoError(err)
	req.Equal("Alice", session.Nickname)

	claims, err := svc.Tokens().Parse(session.Token)
	req.NoError(err)
	req.Equal("Alice", claims.Nickname)
	req.Equal("alice", claims.Subject)
}

func TestLoginIsCaseInsensitiveOnNickname(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Nickname: "Alice", Password: "pw1"})
	req.NoError(err)

	session, err := svc.Login(ctx, Credentials{Nickname: "ALICE", Password: "pw1"})
	req.NoError(err)
	req.Equal("Alice", session.Nickname)
}

func TestRegisterStoresHashNotPlaintext(t *testing.T) {
	req := require.New(t)
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Nickname: "Carol", Password: "secret"})
	req.NoError(err)

	user, err := s.FindUser(ctx, "carol")
	req.NoError(err)
	req.Equal("Carol", user.Nickname)
	req.Equal("carol", user.NicknameLower)
	req.NotEqual("secret", user.Password)
	req.True(strings.HasPrefix(user.Password, "$argon2id$"))
}

func TestRegisterDuplicateAnyCasing(t *testing.T) {
	req := require.New(t)
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Nickname: "Dave", Password: "pw"})
	req.NoError(err)

	for _, variant := range []string{"Dave", "dave", "DAVE", "dAvE"} {
		_, err = svc.Register(ctx, Credentials{Nickname: variant, Password: "other"})
		req.ErrorIs(err, ErrNicknameTaken, variant)
	}

	count, err := s.CountUsers(ctx)
	req.NoError(err)
	req.Equal(1, count)
}

func TestValidation(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing nickname", Credentials{Password: "pw"}},
		{"missing password", Credentials{Nickname: "Eve"}},
		{"both missing", Credentials{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.creds)
			require.ErrorIs(t, err, ErrValidation)

			_, err = svc.Login(ctx, tt.creds)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	count, err := s.CountUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLoginFailures(t *testing.T) {
	req := require.New(t)
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Nickname: "Frank", Password: "right"})
	req.NoError(err)
	before, err := s.FindUser(ctx, "frank")
	req.NoError(err)

	_, err = svc.Login(ctx, Credentials{Nickname: "Frank", Password: "wrong"})
	req.ErrorIs(err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, Credentials{Nickname: "Nobody", Password: "right"})
	req.ErrorIs(err, ErrInvalidCredentials)

	after, err := s.FindUser(ctx, "frank")
	req.NoError(err)
	req.Equal(before, after)
}

func TestStorageFailures(t *testing.T) {
	req := require.New(t)
	tokens, err := NewTokens("", time.Hour)
	req.NoError(err)
	svc := NewService(store.Unavailable(errors.New("disk gone")), tokens)
	ctx := context.Background()

	_, err = svc.Register(ctx, Credentials{Nickname: "Gina", Password: "pw"})
	req.ErrorIs(err, ErrStorage)
	req.ErrorIs(err, store.ErrUnavailable)

	_, err = svc.Login(ctx, Credentials{Nickname: "Gina", Password: "pw"})
	req.ErrorIs(err, ErrStorage)
}

func TestTokens(t *testing.T) {
	req := require.New(t)

	tokens, err := NewTokens("k1", time.Minute)
	req.NoError(err)

	signed, err := tokens.Issue("Heidi")
	req.NoError(err)

	claims, err := tokens.Parse(signed)
	req.NoError(err)
	req.Equal("Heidi", claims.Nickname)
	req.Equal("heidi", claims.Subject)
	req.Equal("twis", claims.Issuer)

	other, err := NewTokens("k2", time.Minute)
	req.NoError(err)
	_, err = other.Parse(signed)
	req.ErrorIs(err, ErrInvalidToken)

	_, err = tokens.Parse("not-a-token")
	req.ErrorIs(err, ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	req := require.New(t)

	tokens, err := NewTokens("k", time.Minute)
	req.NoError(err)

	issuedAt := time.Now()
	tokens.now = func() time.Time { return issuedAt }
	signed, err := tokens.Issue("Ivan")
	req.NoError(err)

	tokens.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = tokens.Parse(signed)
	req.ErrorIs(err, ErrInvalidToken)
}
