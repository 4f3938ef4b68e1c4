package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/keysync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testKeys(t *testing.T, pairs ...string) []config.DiagnosticsKey {
	t.Helper()
	var keys []config.DiagnosticsKey
	for i := 0; i+1 < len(pairs); i += 2 {
		hash, err := bcrypt.GenerateFromPassword([]byte(pairs[i+1]), bcrypt.MinCost)
		require.NoError(t, err)
		keys = append(keys, config.DiagnosticsKey{Name: pairs[i], Hash: string(hash)})
	}
	return keys
}

func testMux(t *testing.T) http.Handler {
	t.Helper()
	return NewMux(MuxConfig{
		Keys: testKeys(t, "ops", "ops-secret", "ci", "ci-secret"),
		MCPHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(RequestKeyName(r.Context()) + "@" + RequestRemoteIP(r.Context())))
		}),
		Logger: slog.New(slog.DiscardHandler),
	})
}

func TestMiddleware_ValidKey(t *testing.T) {
	handler := testMux(t)

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	req.Header.Set("Authorization", "Bearer ci-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ci@10.0.0.7", rec.Body.String())
}

func TestMiddleware_MissingToken(t *testing.T) {
	handler := testMux(t)

	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="keysync"`)
	assert.NotContains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestMiddleware_WrongKey(t *testing.T) {
	handler := testMux(t)

	for _, header := range []string{"Bearer nope", "Basic b3BzOm9wcy1zZWNyZXQ=", "Bearer "} {
		req := httptest.NewRequest("POST", "/mcp", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestMiddleware_NoKeysConfigured(t *testing.T) {
	mw := APIKeyMiddleware(nil, slog.New(slog.DiscardHandler))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz_Unauthenticated(t *testing.T) {
	handler := testMux(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := NewHTTPServer(addr, testMux(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, slog.New(slog.DiscardHandler)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
