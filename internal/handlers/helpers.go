package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/models"
)

// Identity headers set by the upstream session provider
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// Rate limit headers returned by quota-gated endpoints
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// StatusClientClosedRequest is returned when the caller went away mid-request
const StatusClientClosedRequest = 499

// maxBodyBytes bounds request bodies, documents included
const maxBodyBytes = 8 << 20

var validate = validator.New()

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// IdentityFromRequest reads the caller identity from the session headers.
// A request without a tenant cannot be resolved.
func IdentityFromRequest(r *http.Request) (models.Identity, error) {
	identity := models.Identity{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
	}
	if identity.TenantID == "" {
		return identity, models.NewError(models.KindTenantNotFound, "missing %s header", HeaderTenantID)
	}
	return identity, nil
}

// DecodeJSON decodes and validates a request body into dst
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewError(models.KindInvalidArgument, "request body is required")
		}
		return models.WrapError(models.KindInvalidArgument, err, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return models.WrapError(models.KindInvalidArgument, err, "invalid request")
	}
	return nil
}

// StatusForKind maps an error kind to its HTTP status
func StatusForKind(kind models.ErrorKind) int {
	switch {
	case kind == models.KindInvalidArgument, kind == models.KindInvalidConfig:
		return http.StatusBadRequest
	case kind.NotFound():
		return http.StatusNotFound
	case kind == models.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case kind == models.KindModelMismatch:
		return http.StatusConflict
	case kind == models.KindProviderUnavailable, kind == models.KindIndexError:
		return http.StatusServiceUnavailable
	case kind == models.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes a typed error response. Internal error text never
// reaches the client.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	kind := models.KindOf(err)
	status := StatusForKind(kind)

	message := err.Error()
	typed, ok := models.AsError(err)
	if ok {
		message = typed.Message
	}
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed with internal error")
		message = "internal error"
	}

	body := map[string]interface{}{
		"status": "error",
		"kind":   kind,
		"error":  message,
	}

	if ok {
		if typed.Quota != nil {
			SetQuotaHeaders(w, typed.Quota)
			body["quota"] = typed.Quota
		}
		if typed.RetryAfter > 0 {
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(typed.RetryAfter)))
		}
	}

	if err := WriteJSON(w, status, body); err != nil {
		logger.Warn().Err(err).Msg("Failed to write error response")
	}
}

// SetQuotaHeaders writes the rate limit headers for status. Unlimited
// tenants get no headers.
func SetQuotaHeaders(w http.ResponseWriter, status *models.QuotaStatus) {
	if status == nil || status.Unlimited() {
		return
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(status.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(status.Remaining))
	w.Header().Set(HeaderRateLimitReset, status.WindowResetAt.UTC().Format(time.RFC3339))
}

// retryAfterSeconds rounds d up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// requirePathValue returns a path wildcard or an InvalidArgument error
func requirePathValue(r *http.Request, name string) (string, error) {
	value := strings.TrimSpace(r.PathValue(name))
	if value == "" {
		return "", models.NewError(models.KindInvalidArgument, "%s is required", name)
	}
	return value, nil
}

// queryInt reads a positive integer query parameter, returning fallback when absent
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, models.NewError(models.KindInvalidArgument, "%s must be a positive integer", name)
	}
	return value, nil
}

func requireQuery(r *http.Request, name string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return "", models.NewError(models.KindInvalidArgument, "%s query parameter is required", name)
	}
	return value, nil
}
