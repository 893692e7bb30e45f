package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mehmetcc/jwtauth/internal/config"
	"github.com/mehmetcc/jwtauth/internal/httpx"
	"github.com/mehmetcc/jwtauth/internal/refresh"
	"github.com/mehmetcc/jwtauth/internal/token"
	"go.uber.org/zap"
)

type AuthService interface {
	Issue(ctx context.Context, userID uuid.UUID, claims []token.Claim, meta httpx.ClientMeta) (*IssueResult, error)
	Refresh(ctx context.Context, accessToken string, req RefreshRequest, meta httpx.ClientMeta) (*IssueResult, error)
	Logout(ctx context.Context, userID uuid.UUID) error
}

type IssueResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshRequest is what a client presents next to its expired access token.
type RefreshRequest struct {
	UserID       uuid.UUID
	RefreshToken string
}

type authService struct {
	tokens      token.Service
	refreshRepo refresh.Repo
	refreshTTL  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewAuthenticationService(tokens token.Service, refreshRepo refresh.Repo, cfg *config.JWTConfig, logger *zap.Logger) AuthService {
	return &authService{
		tokens:      tokens,
		refreshRepo: refreshRepo,
		refreshTTL:  cfg.RefreshTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// Issue starts a new refresh token family for userID. A subject claim is
// added when missing and must match userID when present.
func (a *authService) Issue(ctx context.Context, userID uuid.UUID, claims []token.Claim, meta httpx.ClientMeta) (*IssueResult, error) {
	claims, err := withSubject(claims, userID)
	if err != nil {
		return nil, err
	}
	return a.issue(ctx, nil, claims, &refresh.Record{
		UserID:    userID,
		FamilyID:  uuid.New(),
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	})
}

func (a *authService) Refresh(ctx context.Context, accessToken string, req RefreshRequest, meta httpx.ClientMeta) (*IssueResult, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	principal, err := a.tokens.GetPrincipalFromExpiredToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessToken, err)
	}
	subject, err := uuid.Parse(principal.Subject())
	if err != nil || subject != req.UserID {
		a.logger.Warn("refresh attempted with another user's access token",
			zap.String("user_id", req.UserID.String()),
			zap.String("subject", principal.Subject()),
		)
		return nil, ErrSubjectMismatch
	}

	rec, err := a.refreshRepo.FindByHash(ctx, refresh.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if rec.UserID != req.UserID {
		a.logger.Warn("refresh token presented for wrong user", zap.String("user_id", req.UserID.String()))
		return nil, ErrInvalidRefreshToken
	}
	if rec.RevokedAt != nil {
		return nil, ErrInvalidRefreshToken
	}
	if rec.RotatedAt != nil {
		return nil, a.handleReuse(ctx, rec)
	}
	if !rec.Active(a.now()) {
		return nil, ErrRefreshTokenExpired
	}

	res, err := a.issue(ctx, rec, principal.Claims, &refresh.Record{
		UserID:    rec.UserID,
		FamilyID:  rec.FamilyID,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	})
	if errors.Is(err, refresh.ErrAlreadyUsed) {
		return nil, a.handleReuse(ctx, rec)
	}
	return res, err
}

func (a *authService) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := a.refreshRepo.RevokeUser(ctx, userID); err != nil {
		return err
	}
	a.logger.Info("refresh tokens revoked", zap.String("user_id", userID.String()))
	return nil
}

// issue signs a new access token and stores next as the refresh record,
// rotating prev when it is set.
func (a *authService) issue(ctx context.Context, prev *refresh.Record, claims []token.Claim, next *refresh.Record) (*IssueResult, error) {
	at, err := a.tokens.IssueAccessToken(claims)
	if err != nil {
		return nil, err
	}

	refreshToken, err := a.tokens.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	next.ID = uuid.New()
	next.TokenHash = refresh.HashToken(refreshToken)
	next.CreatedAt = now
	next.ExpiresAt = now.Add(a.refreshTTL)

	if prev == nil {
		err = a.refreshRepo.Create(ctx, next)
	} else {
		err = a.refreshRepo.Rotate(ctx, prev, next)
	}
	if err != nil {
		return nil, err
	}

	return &IssueResult{
		AccessToken:      at.Token,
		AccessExpiresAt:  at.ExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// handleReuse treats a second use of a rotated token as theft and revokes
// every token descended from the same login.
func (a *authService) handleReuse(ctx context.Context, rec *refresh.Record) error {
	a.logger.Warn("refresh token reuse detected, revoking family",
		zap.String("user_id", rec.UserID.String()),
		zap.String("family_id", rec.FamilyID.String()),
	)
	if err := a.refreshRepo.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return err
	}
	return ErrRefreshTokenReused
}

func withSubject(claims []token.Claim, userID uuid.UUID) ([]token.Claim, error) {
	for _, c := range claims {
		if c.Type != token.ClaimSubject {
			continue
		}
		if sub, err := uuid.Parse(c.Value); err != nil || sub != userID {
			return nil, ErrSubjectMismatch
		}
		return claims, nil
	}
	out := make([]token.Claim, 0, len(claims)+1)
	out = append(out, token.NewClaim(token.ClaimSubject, userID.String()))
	return append(out, claims...), nil
}
