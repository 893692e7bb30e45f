package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mehmetcc/jwtauth/internal/auth"
	"github.com/mehmetcc/jwtauth/internal/config"
	"github.com/mehmetcc/jwtauth/internal/httpx"
	"github.com/mehmetcc/jwtauth/internal/refresh"
	"github.com/mehmetcc/jwtauth/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testServer(t *testing.T, rateLimit int, trustProxy bool) (http.Handler, auth.AuthService) {
	t.Helper()
	jwtCfg := &config.JWTConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "api",
		Key:        "0123456789abcdef0123456789abcdef",
		Alg:        "HS256",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
	tokens, err := token.NewTokenService(zap.NewNop(), jwtCfg)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := auth.NewAuthenticationService(tokens, refresh.NewRedisRepo(client, zap.NewNop()), jwtCfg, zap.NewNop())
	h := auth.NewAuthenticationHandler(svc, tokens, &config.RefreshConfig{RateLimit: rateLimit, RateWindow: time.Minute}, zap.NewNop())
	return newRouter(h, zap.NewNop(), trustProxy), svc
}

func TestRouter_Healthz(t *testing.T) {
	router, _ := testServer(t, 10, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRouter_MountsAuthRoutes(t *testing.T) {
	router, svc := testServer(t, 10, false)
	userID := uuid.New()
	res, err := svc.Issue(context.Background(), userID, nil, httpx.ClientMeta{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data token.Principal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, userID.String(), body.Data.Subject())
	assert.NotEmpty(t, rec.Header().Get("Cache-Control"))
}

func TestRouter_UnknownRoute(t *testing.T) {
	router, _ := testServer(t, 10, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// refreshFrom posts an empty refresh request from one socket, claiming the
// given forwarded address, and returns the status code.
func refreshFrom(router http.Handler, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Real-IP", forwardedFor)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRouter_RefreshLimitIgnoresForwardedHeaders(t *testing.T) {
	router, _ := testServer(t, 10, false)

	limited := 0
	for i := 0; i < 50; i++ {
		if refreshFrom(router, "198.51.100."+strconv.Itoa(i)) == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 40, limited)
}

func TestRouter_TrustedProxyKeysOnForwardedFor(t *testing.T) {
	router, _ := testServer(t, 10, true)

	for i := 0; i < 30; i++ {
		assert.NotEqual(t, http.StatusTooManyRequests, refreshFrom(router, "198.51.100."+strconv.Itoa(i)))
	}
	for i := 0; i < 10; i++ {
		assert.NotEqual(t, http.StatusTooManyRequests, refreshFrom(router, "203.0.113.9"))
	}
	assert.Equal(t, http.StatusTooManyRequests, refreshFrom(router, "203.0.113.9"))
}
