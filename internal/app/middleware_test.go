package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fxdesk/fxdesk/internal/shared"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signToken(t *testing.T, secret []byte, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func validClaims(subject string) actorClaims {
	return actorClaims{
		Roles: []string{"treasury"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "backoffice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func guarded(t *testing.T, issuer string) (http.Handler, *shared.Actor) {
	t.Helper()
	var seen shared.Actor
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RequireActor(testSecret, issuer, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		require.True(t, ok)
		seen = actor
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func TestRequireActorAcceptsValidToken(t *testing.T) {
	h, seen := guarded(t, "backoffice")

	req := httptest.NewRequest(http.MethodGet, "/netting/matches", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims("42")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, int64(42), seen.ID)
	require.Equal(t, []string{"treasury"}, seen.Roles)
}

func TestRequireActorRejects(t *testing.T) {
	expired := validClaims("42")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims("42")
	noExpiry.ExpiresAt = nil
	wrongIssuer := validClaims("42")
	wrongIssuer.Issuer = "elsewhere"

	cases := map[string]string{
		"missing header":  "",
		"not bearer":      "Basic Zm9vOmJhcg==",
		"wrong secret":    "Bearer " + signToken(t, []byte("another-secret-another-secret-xx"), validClaims("42")),
		"expired":         "Bearer " + signToken(t, testSecret, expired),
		"no expiry":       "Bearer " + signToken(t, testSecret, noExpiry),
		"wrong issuer":    "Bearer " + signToken(t, testSecret, wrongIssuer),
		"non numeric sub": "Bearer " + signToken(t, testSecret, validClaims("ana")),
		"zero sub":        "Bearer " + signToken(t, testSecret, validClaims("0")),
		"garbage":         "Bearer not.a.token",
	}
	h, _ := guarded(t, "backoffice")
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/netting/matches", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireActorRejectsOtherAlgorithms(t *testing.T) {
	h, _ := guarded(t, "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims("7")).SignedString(testSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterGuardsNettingOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger:       logger,
		Config:       &Config{RateLimitPerMinute: 1000},
		Authenticate: RequireActor(testSecret, "", logger),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/netting/batches", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	} {
		require.Equal(t, want, parseLevel(raw), strconv.Quote(raw))
	}
}
