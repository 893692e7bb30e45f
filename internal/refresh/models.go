package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Record is the server side view of a refresh token. The token itself is
// never stored, only its hash.
type Record struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	FamilyID   uuid.UUID  `json:"family_id"`
	TokenHash  string     `json:"token_hash"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy *uuid.UUID `json:"replaced_by,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	IP         string     `json:"ip,omitempty"`
}

func (r *Record) Active(now time.Time) bool {
	return r.RotatedAt == nil && r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// Repo persists refresh token records. Implementations must be safe for
// concurrent use.
type Repo interface {
	Create(ctx context.Context, rec *Record) error
	// FindByHash returns the record whatever its state, or ErrNotFound.
	FindByHash(ctx context.Context, tokenHash string) (*Record, error)
	// Rotate marks old as rotated and stores next in one step. It returns
	// ErrAlreadyUsed when old was rotated or revoked concurrently.
	Rotate(ctx context.Context, old *Record, next *Record) error
	RevokeFamily(ctx context.Context, familyID uuid.UUID) error
	RevokeUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func HashToken(str string) string {
	h := sha256.Sum256([]byte(str))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
