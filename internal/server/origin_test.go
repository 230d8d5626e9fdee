package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/twis/internal/config"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origins string
		host    string
		origin  string
		want    bool
	}{
		{name: "missing origin", host: "chat.example:3002", want: true},
		{name: "same host without allow list", host: "chat.example:3002", origin: "http://chat.example:3002", want: true},
		{name: "same host over https", host: "chat.example", origin: "https://Chat.Example", want: true},
		{name: "foreign host without allow list", host: "chat.example:3002", origin: "http://evil.example", want: false},
		{name: "listed origin", origins: "http://app.example", host: "chat.example", origin: "http://app.example", want: true},
		{name: "listed origin with path", origins: "http://app.example/", host: "chat.example", origin: "HTTP://APP.EXAMPLE", want: true},
		{name: "unlisted origin", origins: "http://app.example", host: "chat.example", origin: "http://other.example", want: false},
		{name: "wildcard", origins: "*", host: "chat.example", origin: "http://anything.example", want: true},
		{name: "malformed origin", origins: "*", host: "chat.example", origin: "not a url", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.LoadFrom([]string{"ALLOWED_ORIGINS=" + tt.origins})
			require.NoError(t, err)
			policy := newOriginPolicy(cfg)

			r := httptest.NewRequest("GET", "/socket", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			require.Equal(t, tt.want, policy.checkOrigin(r))
		})
	}
}
