package token

import "errors"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrMissingSubject = errors.New("claims must include a subject")
	ErrReservedClaim  = errors.New("claim type is reserved")
	ErrInvalidClaim   = errors.New("invalid claim")
	ErrSigning        = errors.New("failed to sign token")
)
