package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseToken(t *testing.T) {
	secret := []byte("test-secret")
	id := uuid.New()

	tok, err := IssueToken(secret, id, RoleAdmin, time.Hour)
	require.NoError(t, err)

	got, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, id, got.UserID)
	assert.True(t, got.IsAdmin())

	_, err = ParseToken([]byte("other"), tok)
	assert.Error(t, err)

	expired, err := IssueToken(secret, id, "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.Error(t, err)
}

func TestOptionalIdentity(t *testing.T) {
	secret := []byte("test-secret")
	id := uuid.New()
	tok, err := IssueToken(secret, id, "", time.Hour)
	require.NoError(t, err)

	e := echo.New()
	var seen *Identity
	h := OptionalIdentity(secret, quietLogger())(func(c echo.Context) error {
		seen, _ = IdentityFromContext(c)
		return c.NoContent(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		want   *uuid.UUID
	}{
		{"valid", "Bearer " + tok, &id},
		{"missing", "", nil},
		{"garbage", "Bearer not-a-jwt", nil},
		{"wrong scheme", "Basic " + tok, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			require.NoError(t, h(e.NewContext(req, rec)))
			assert.Equal(t, http.StatusOK, rec.Code)
			if tt.want == nil {
				assert.Nil(t, seen)
			} else {
				require.NotNil(t, seen)
				assert.Equal(t, *tt.want, seen.UserID)
				assert.False(t, seen.IsAdmin())
			}
		})
	}
}

func TestAdminGate(t *testing.T) {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	run := func(g *AdminGate, target, header string) int {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		if header != "" {
			req.Header.Set(AdminKeyHeader, header)
		}
		rec := httptest.NewRecorder()
		require.NoError(t, g.Middleware(ok)(e.NewContext(req, rec)))
		return rec.Code
	}

	gate := NewAdminGate("s3cret", true, quietLogger())
	assert.Equal(t, http.StatusNoContent, run(gate, "/", "s3cret"))
	assert.Equal(t, http.StatusNoContent, run(gate, "/?apiKey=s3cret", ""))
	assert.Equal(t, http.StatusUnauthorized, run(gate, "/", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, run(gate, "/", ""))

	assert.Equal(t, http.StatusNoContent, run(NewAdminGate("", false, quietLogger()), "/", ""))
	assert.Equal(t, http.StatusInternalServerError, run(NewAdminGate("", true, quietLogger()), "/", ""))
}
