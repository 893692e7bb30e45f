package httpx

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ErrorCode string

const (
	ErrInvalidJSON      ErrorCode = "invalid_json"
	ErrUnsupportedMedia ErrorCode = "unsupported_media_type"
	ErrValidationFailed ErrorCode = "validation_failed"
	ErrUnauthorized     ErrorCode = "unauthorized"
	ErrInvalidToken     ErrorCode = "invalid_token"
	ErrTokenExpired     ErrorCode = "token_expired"
	ErrTooManyRequests  ErrorCode = "too_many_requests"
	ErrInternal         ErrorCode = "internal_error"
)

// FieldError names the offending request field by its JSON key.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

type ErrorResponse[T any] struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details T         `json:"details,omitempty"`
}

// NewValidator returns a validator that reports fields by their json tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

func ValidationDetails(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Rule: "invalid", Param: err.Error()}}
	}
	out := make([]FieldError, len(verrs))
	for i, e := range verrs {
		out[i] = FieldError{Field: e.Field(), Rule: e.Tag(), Param: e.Param()}
	}
	return out
}
