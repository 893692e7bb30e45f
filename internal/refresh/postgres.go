package refresh

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	insertRefreshTokenQuery = `
						INSERT INTO refresh_tokens (
						id, user_id, family_id, token_hash, expires_at, created_at, user_agent, ip
						) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
						`
	findByHashQuery = `
						SELECT id, user_id, family_id, token_hash, expires_at, created_at,
						       rotated_at, revoked_at, replaced_by, user_agent, ip
						FROM refresh_tokens
						WHERE token_hash = $1
						LIMIT 1
						`
	markRotatedQuery = `
						UPDATE refresh_tokens
						SET rotated_at = $2, replaced_by = $3
						WHERE id = $1 AND rotated_at IS NULL AND revoked_at IS NULL
						`
	revokeFamilyQuery = `
						UPDATE refresh_tokens
						SET revoked_at = COALESCE(revoked_at, now())
						WHERE family_id = $1
						`
	revokeUserQuery = `
						UPDATE refresh_tokens
						SET revoked_at = COALESCE(revoked_at, now())
						WHERE user_id = $1 AND revoked_at IS NULL
						`
	deleteExpiredQuery = `
						DELETE FROM refresh_tokens
						WHERE expires_at <= $1
						`
)

type postgresRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresRepo(db *sql.DB, logger *zap.Logger) Repo {
	return &postgresRepo{db: db, logger: logger}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *postgresRepo) Create(ctx context.Context, rec *Record) error {
	return r.insert(ctx, r.db, rec)
}

func (r *postgresRepo) insert(ctx context.Context, db execer, rec *Record) error {
	_, err := db.ExecContext(ctx, insertRefreshTokenQuery,
		rec.ID,
		rec.UserID,
		rec.FamilyID,
		rec.TokenHash,
		rec.ExpiresAt,
		rec.CreatedAt,
		rec.UserAgent,
		rec.IP,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			r.logger.Warn("refresh token hash collision", zap.String("constraint", pgErr.ConstraintName))
			return ErrDuplicateHash
		}
		r.logger.Error("failed to insert refresh token", zap.Error(err))
		return err
	}
	return nil
}

func (r *postgresRepo) FindByHash(ctx context.Context, tokenHash string) (*Record, error) {
	var (
		rec        Record
		rotatedAt  sql.NullTime
		revokedAt  sql.NullTime
		replacedBy uuid.NullUUID
	)
	err := r.db.QueryRowContext(ctx, findByHashQuery, tokenHash).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.FamilyID,
		&rec.TokenHash,
		&rec.ExpiresAt,
		&rec.CreatedAt,
		&rotatedAt,
		&revokedAt,
		&replacedBy,
		&rec.UserAgent,
		&rec.IP,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to lookup refresh token by hash", zap.Error(err))
		return nil, err
	}
	if rotatedAt.Valid {
		rec.RotatedAt = &rotatedAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		rec.ReplacedBy = &replacedBy.UUID
	}
	return &rec, nil
}

// Rotate inserts the successor first so replaced_by can reference it.
func (r *postgresRepo) Rotate(ctx context.Context, old *Record, next *Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := r.insert(ctx, tx, next); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, markRotatedQuery, old.ID, next.CreatedAt, next.ID)
	if err != nil {
		r.logger.Error("failed to mark refresh token as rotated", zap.Error(err))
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyUsed
	}

	return tx.Commit()
}

func (r *postgresRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, revokeFamilyQuery, familyID)
	if err != nil {
		r.logger.Error("failed to revoke refresh token family", zap.String("family_id", familyID.String()), zap.Error(err))
	}
	return err
}

func (r *postgresRepo) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, revokeUserQuery, userID)
	if err != nil {
		r.logger.Error("failed to revoke refresh tokens", zap.String("user_id", userID.String()), zap.Error(err))
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("no refresh token revoked (none active)", zap.String("user_id", userID.String()))
	}
	return nil
}

func (r *postgresRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteExpiredQuery, now)
	if err != nil {
		r.logger.Error("failed to delete expired refresh tokens", zap.Error(err))
		return 0, err
	}
	return res.RowsAffected()
}
