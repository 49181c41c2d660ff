package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver map[string]models.ParticipantID

func (s stubResolver) Resolve(_ context.Context, credential string) (models.ParticipantID, error) {
	if credential == "down" {
		return "", fmt.Errorf("%w: dial tcp: refused", auth.ErrUnavailable)
	}
	if p, ok := s[credential]; ok {
		return p, nil
	}
	return "", auth.ErrUnauthenticated
}

func TestRequireIdentity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	resolver := stubResolver{"good": "user-1"}
	h := RequireIdentity(resolver, "tictactoe", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ParticipantFrom(r.Context())
		require.True(t, ok)
		w.Write([]byte(p))
	}))

	cases := []struct {
		name   string
		cookie string
		query  string
		status int
		body   string
	}{
		{name: "cookie", cookie: "good", status: http.StatusOK, body: "user-1"},
		{name: "query token", query: "good", status: http.StatusOK, body: "user-1"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "rejected", cookie: "bad", status: http.StatusUnauthorized},
		{name: "service down", cookie: "down", status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/games/open"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "tictactoe", Value: tc.cookie})
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestLogMiddlewareRecordsStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := LogMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/brew", entry.Data["path"])
	assert.Equal(t, http.MethodGet, entry.Data["method"])
}

func TestParticipantFromEmptyContext(t *testing.T) {
	_, ok := ParticipantFrom(context.Background())
	assert.False(t, ok)
}
