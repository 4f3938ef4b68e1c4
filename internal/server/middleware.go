package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/keysync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const (
	ctxKeyName contextKey = iota
	ctxRemoteIP
)

// RequestKeyName returns the name of the API key that authenticated the
// request, or "".
func RequestKeyName(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyName).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// APIKeyMiddleware returns HTTP middleware that accepts a Bearer token
// only if it matches one of the bcrypt-hashed diagnostics keys. Every key
// is checked so the response time does not reveal which one matched.
func APIKeyMiddleware(keys []config.DiagnosticsKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="keysync"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := []byte(strings.TrimPrefix(authHeader, "Bearer "))

			name := ""

			for _, k := range keys {
				if bcrypt.CompareHashAndPassword([]byte(k.Hash), token) == nil && name == "" {
					name = k.Name
				}
			}

			if name == "" {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="keysync", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("key", name),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxKeyName, name)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
