package refresh

import "errors"

var (
	ErrNotFound      = errors.New("refresh token not found")
	ErrAlreadyUsed   = errors.New("refresh token already rotated or revoked")
	ErrDuplicateHash = errors.New("refresh token hash already exists")
)
