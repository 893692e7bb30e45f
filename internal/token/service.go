package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mehmetcc/jwtauth/internal/config"
	"go.uber.org/zap"
)

const refreshTokenBytes = 32

// Service issues and validates access tokens and mints opaque refresh tokens.
// Implementations hold no mutable state and are safe for concurrent use.
type Service interface {
	CreateAccessToken(claims []Claim) (string, error)
	IssueAccessToken(claims []Claim) (*AccessToken, error)
	GenerateRefreshToken() (string, error)
	ValidateAccessToken(tokenString string) (*Principal, error)
	GetPrincipalFromExpiredToken(tokenString string) (*Principal, error)
}

type AccessToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Option func(*tokenService)

// WithClock replaces time.Now for issuance and validation.
func WithClock(now func() time.Time) Option {
	return func(s *tokenService) {
		s.now = now
	}
}

type tokenService struct {
	logger     *zap.Logger
	cfg        config.JWTConfig
	key        []byte
	signingAlg jwt.SigningMethod
	now        func() time.Time
}

func NewTokenService(logger *zap.Logger, cfg *config.JWTConfig, opts ...Option) (Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing jwt settings", config.ErrInvalidConfig)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, errors.Join(errs...))
	}
	method, ok := jwt.GetSigningMethod(cfg.Alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an HMAC algorithm", config.ErrInvalidConfig, cfg.Alg)
	}

	s := &tokenService{
		logger:     logger,
		cfg:        *cfg,
		key:        []byte(cfg.Key),
		signingAlg: method,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *tokenService) CreateAccessToken(claims []Claim) (string, error) {
	at, err := s.IssueAccessToken(claims)
	if err != nil {
		return "", err
	}
	return at.Token, nil
}

func (s *tokenService) IssueAccessToken(claims []Claim) (*AccessToken, error) {
	mc, err := toMapClaims(claims)
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	mc["iss"] = s.cfg.Issuer
	mc["aud"] = s.cfg.Audience
	mc["iat"] = jwt.NewNumericDate(issuedAt)
	mc["nbf"] = jwt.NewNumericDate(issuedAt)
	mc["exp"] = jwt.NewNumericDate(expiresAt)
	mc["jti"] = jti

	jwtToken := jwt.NewWithClaims(s.signingAlg, mc)
	if s.cfg.KID != "" {
		jwtToken.Header["kid"] = s.cfg.KID
	}
	signed, err := jwtToken.SignedString(s.key)
	if err != nil {
		s.logger.Error("failed to sign access token", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return &AccessToken{
		Token:     signed,
		ID:        jti,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *tokenService) GenerateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		s.logger.Error("failed to read random bytes", zap.Error(err))
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateAccessToken is the request path: expiry is enforced.
func (s *tokenService) ValidateAccessToken(tokenString string) (*Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.signingAlg.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithTimeFunc(s.now),
	)

	mc := jwt.MapClaims{}
	tkn, err := parser.ParseWithClaims(tokenString, mc, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && s.onlyExpired(tokenString) {
			s.logger.Debug("access token expired", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		s.logger.Debug("access token rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return nil, ErrInvalidToken
	}

	p, err := fromMapClaims(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return p, nil
}

// GetPrincipalFromExpiredToken verifies signature, algorithm, issuer and
// audience but ignores the lifetime. It backs the refresh exchange only.
func (s *tokenService) GetPrincipalFromExpiredToken(tokenString string) (*Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.signingAlg.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	mc := jwt.MapClaims{}
	tkn, err := parser.ParseWithClaims(tokenString, mc, s.keyFunc)
	if err != nil {
		s.logger.Debug("expired token rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return nil, ErrInvalidToken
	}

	if iss, err := mc.GetIssuer(); err != nil || iss != s.cfg.Issuer {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenInvalidIssuer)
	}
	aud, err := mc.GetAudience()
	if err != nil || !slices.Contains(aud, s.cfg.Audience) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenInvalidAudience)
	}
	if exp, err := mc.GetExpirationTime(); err != nil || exp == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenRequiredClaimMissing)
	}

	p, err := fromMapClaims(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return p, nil
}

func (s *tokenService) keyFunc(t *jwt.Token) (interface{}, error) {
	if s.cfg.KID != "" {
		if kid, _ := t.Header["kid"].(string); kid != s.cfg.KID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}
	return s.key, nil
}

// onlyExpired reports whether a token that failed on expiry would pass every
// other check, so a stale token is not confused with a foreign one.
func (s *tokenService) onlyExpired(tokenString string) bool {
	_, err := s.GetPrincipalFromExpiredToken(tokenString)
	return err == nil
}
