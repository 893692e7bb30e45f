package httpx

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20 // 1MB

type responseEnvelope struct {
	Data  any    `json:"data,omitempty"`
	Time  string `json:"time"`
	Error any    `json:"error,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeEnvelope(w, status, responseEnvelope{Data: v})
}

func WriteError[T any](w http.ResponseWriter, status int, errBody ErrorResponse[T]) {
	writeEnvelope(w, status, responseEnvelope{Error: errBody})
}

// writeEnvelope stamps the response time. Responses are never cacheable.
func writeEnvelope(w http.ResponseWriter, status int, env responseEnvelope) {
	env.Time = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// DecodeJSON reads exactly one JSON object from the body into dst and runs
// struct validation. On failure the error response is already written and
// false is returned.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, v *validator.Validate, logger *zap.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		WriteError(w, http.StatusUnsupportedMediaType, ErrorResponse[any]{
			Code:    ErrUnsupportedMedia,
			Message: "Content-Type must be application/json",
		})
		return false
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logger.Warn("failed to decode request body", zap.Error(err))
		WriteError(w, http.StatusBadRequest, ErrorResponse[any]{
			Code:    ErrInvalidJSON,
			Message: "invalid request body",
		})
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF { // check if there's any trailing data
		logger.Warn("trailing data after JSON body", zap.Error(err))
		WriteError(w, http.StatusBadRequest, ErrorResponse[any]{
			Code:    ErrInvalidJSON,
			Message: "request body must contain a single JSON object",
		})
		return false
	}

	if err := v.Struct(dst); err != nil {
		logger.Warn("request validation failed", zap.Error(err))
		WriteError(w, http.StatusUnprocessableEntity, ErrorResponse[[]FieldError]{
			Code:    ErrValidationFailed,
			Message: "validation failed",
			Details: ValidationDetails(err),
		})
		return false
	}
	return true
}
