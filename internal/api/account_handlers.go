package api

import (
	"errors"
	"net/http"
	"time"

	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/phone"
	"cloudbudgetguard/internal/session"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type phoneRequest struct {
	Phone string `json:"phone"`
}

type phoneConfirm struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func sessionClaims(r *http.Request) (*session.Claims, bool) {
	return session.FromContext(r.Context())
}

// sessionUserID returns the signed-in user's id. Routes using it sit behind
// session.Require.
func sessionUserID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	claims, ok := sessionClaims(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return primitive.NilObjectID, false
	}
	id, err := primitive.ObjectIDFromHex(claims.Subject)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return primitive.NilObjectID, false
	}
	return id, true
}

func (s *Server) phoneRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}
	var req phoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expiresAt, err := s.phone.Request(r.Context(), userID, req.Phone)
	if errors.Is(err, phone.ErrRateLimited) {
		setRetryAfter(w, expiresAt)
		writeJSONError(w, http.StatusTooManyRequests, "Too many codes requested, please try again later")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Code sent",
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) phoneConfirmHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}
	var req phoneConfirm
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	if err := s.phone.Confirm(r.Context(), userID, req.Phone, req.Code); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true, "phone": req.Phone})
}

func (s *Server) latestReportHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}
	report, err := s.reports.Latest(r.Context(), userID)
	if errors.Is(err, database.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "No report yet")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
