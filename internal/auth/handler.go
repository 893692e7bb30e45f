package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mehmetcc/jwtauth/internal/config"
	"github.com/mehmetcc/jwtauth/internal/httpx"
	"github.com/mehmetcc/jwtauth/internal/token"
	"go.uber.org/zap"
)

const requestTimeout = 3 * time.Second

type AuthenticationHandler interface {
	Refresh(w http.ResponseWriter, r *http.Request)
	Logout(w http.ResponseWriter, r *http.Request)
	Me(w http.ResponseWriter, r *http.Request)
	Routes() chi.Router
}

type authenticationHandler struct {
	logger      *zap.Logger
	authService AuthService
	tokens      token.Service
	rateCfg     *config.RefreshConfig
	validator   *validator.Validate
}

func NewAuthenticationHandler(authService AuthService, tokens token.Service, rateCfg *config.RefreshConfig, l *zap.Logger) AuthenticationHandler {
	return &authenticationHandler{
		logger:      l,
		authService: authService,
		tokens:      tokens,
		rateCfg:     rateCfg,
		validator:   httpx.NewValidator(),
	}
}

func (a *authenticationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httprate.Limit(
		a.rateCfg.RateLimit,
		a.rateCfg.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(w, http.StatusTooManyRequests, httpx.ErrorResponse[any]{
				Code:    httpx.ErrTooManyRequests,
				Message: "too many refresh attempts",
			})
		}),
	)).Post("/refresh", a.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(a.tokens, a.logger))
		r.Post("/logout", a.Logout)
		r.Get("/me", a.Me)
	})
	return r
}

// Refresh exchanges an expired access token (Authorization header) and a
// refresh token (body) for a new pair.
func (a *authenticationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	accessToken, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
			Code:    httpx.ErrUnauthorized,
			Message: "missing bearer token",
		})
		return
	}

	var req refreshTokenRequest
	if !httpx.DecodeJSON(w, r, &req, a.validator, a.logger) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		httpx.WriteError(w, http.StatusUnprocessableEntity, httpx.ErrorResponse[[]httpx.FieldError]{
			Code:    httpx.ErrValidationFailed,
			Message: "validation failed",
			Details: []httpx.FieldError{{Field: "userId", Rule: "uuid"}},
		})
		return
	}

	/** Business logic */
	res, err := a.authService.Refresh(ctx, accessToken, RefreshRequest{
		UserID:       userID,
		RefreshToken: req.RefreshToken,
	}, httpx.ClientMetaFromRequest(r))
	if err != nil {
		a.logger.Warn("failed to refresh tokens", zap.String("user_id", req.UserID), zap.Error(err))
		switch {
		case errors.Is(err, ErrRefreshTokenExpired):
			httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
				Code:    httpx.ErrTokenExpired,
				Message: "refresh token expired",
			})
		case errors.Is(err, ErrInvalidAccessToken), errors.Is(err, ErrSubjectMismatch):
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
				Code:    httpx.ErrInvalidToken,
				Message: "invalid access token",
			})
		case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, ErrRefreshTokenReused):
			httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
				Code:    httpx.ErrInvalidToken,
				Message: "invalid refresh token",
			})
		default:
			a.logger.Error("internal server error", zap.Error(err))
			httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorResponse[any]{
				Code:    httpx.ErrInternal,
				Message: "internal server error",
			})
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, newTokenPairResponse(res))
}

func (a *authenticationHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, _ := PrincipalFromContext(r.Context())
	userID, err := uuid.Parse(p.Subject())
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorResponse[any]{
			Code:    httpx.ErrInvalidToken,
			Message: "token subject is not a user id",
		})
		return
	}

	if err := a.authService.Logout(ctx, userID); err != nil {
		a.logger.Error("failed to logout", zap.String("user_id", userID.String()), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorResponse[any]{
			Code:    httpx.ErrInternal,
			Message: "internal server error",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authenticationHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	httpx.WriteJSON(w, http.StatusOK, p)
}

type refreshTokenRequest struct {
	UserID       string `json:"userId"       validate:"required,uuid"`
	RefreshToken string `json:"refreshToken" validate:"required,max=512"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	TokenType        string    `json:"tokenType"`
}

func newTokenPairResponse(res *IssueResult) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		TokenType:        "Bearer",
	}
}
