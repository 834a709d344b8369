package api

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloudbudgetguard/internal/auth"
	"cloudbudgetguard/internal/phone"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response in JSON.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func setRetryAfter(w http.ResponseWriter, resetAt time.Time) {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// writeServiceError maps auth and phone errors to a status and message.
func writeServiceError(w http.ResponseWriter, err error) {
	var limited *auth.RateLimitError
	switch {
	case errors.As(err, &limited):
		setRetryAfter(w, limited.ResetAt)
		writeJSONError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
	case errors.Is(err, auth.ErrInvalidEmail):
		writeJSONError(w, http.StatusBadRequest, "Please enter a valid email address")
	case errors.Is(err, phone.ErrInvalidPhone):
		writeJSONError(w, http.StatusBadRequest, "Please enter a phone number in international format")
	case errors.Is(err, auth.ErrInvalidOTP), errors.Is(err, phone.ErrInvalidCode):
		writeJSONError(w, http.StatusBadRequest, "The code is incorrect")
	case errors.Is(err, auth.ErrOTPExpired), errors.Is(err, phone.ErrCodeExpired):
		writeJSONError(w, http.StatusBadRequest, "The code has expired, please request a new one")
	case errors.Is(err, auth.ErrTooManyAttempts), errors.Is(err, phone.ErrTooManyAttempts):
		writeJSONError(w, http.StatusTooManyRequests, "Too many incorrect attempts, please request a new code")
	case errors.Is(err, auth.ErrBotCheckFailed):
		writeJSONError(w, http.StatusForbidden, "Bot verification failed")
	case errors.Is(err, auth.ErrStoreUnavailable), errors.Is(err, phone.ErrStoreUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	case errors.Is(err, auth.ErrDelivery), errors.Is(err, phone.ErrDelivery):
		writeJSONError(w, http.StatusBadGateway, "Could not deliver the message")
	default:
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// clientIP returns the caller address. When proxy headers are trusted,
// handlers.ProxyHeaders has already applied X-Forwarded-For to RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
