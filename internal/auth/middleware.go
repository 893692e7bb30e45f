package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mehmetcc/jwtauth/internal/httpx"
	"github.com/mehmetcc/jwtauth/internal/token"
	"go.uber.org/zap"
)

// Authenticate rejects requests without a valid bearer access token and
// stores the principal in the request context.
func Authenticate(tokens token.Service, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
					Code:    httpx.ErrUnauthorized,
					Message: "missing bearer token",
				})
				return
			}

			p, err := tokens.ValidateAccessToken(raw)
			if err != nil {
				logger.Debug("bearer token rejected", zap.String("path", r.URL.Path), zap.Error(err))
				if errors.Is(err, token.ErrTokenExpired) {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="The token expired"`)
					httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
						Code:    httpx.ErrTokenExpired,
						Message: "access token expired",
					})
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
					Code:    httpx.ErrInvalidToken,
					Message: "invalid access token",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
