package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"time"

	"cloudbudgetguard/internal/auth"
	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/tokenexchange"
	"cloudbudgetguard/internal/util"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type otpRequest struct {
	Email          string `json:"email"`
	TurnstileToken string `json:"turnstileToken"`
}

type otpVerify struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type magicLinkRequest struct {
	Email          string `json:"email"`
	TurnstileToken string `json:"turnstileToken"`
	CallbackURL    string `json:"callbackUrl"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func (s *Server) requestOTPHandler(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.TurnstileToken == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	expiresAt, err := s.auth.RequestOTP(r.Context(), req.Email, clientIP(r), req.TurnstileToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Code sent",
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

// verifyOTPHandler answers with a login token the client redeems at the
// login-token callback.
func (s *Server) verifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	var req otpVerify
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	issued, err := s.auth.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loginToken": issued.Token,
		"expiresAt":  issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) magicLinkHandler(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.TurnstileToken == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	if err := s.auth.RequestMagicLink(r.Context(), req.Email, clientIP(r), req.TurnstileToken, req.CallbackURL); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Sign-in link sent"})
}

// loginTokenCallbackHandler redeems a login token and sets the session
// cookie. It always answers 200 with either {"url"} or {"error"}.
func (s *Server) loginTokenCallbackHandler(w http.ResponseWriter, r *http.Request) {
	req, msg := readExchangeRequest(w, r)
	if msg != "" {
		writeJSON(w, http.StatusOK, tokenexchange.Response{Error: msg})
		return
	}
	if req.CredentialKind != tokenexchange.CredentialKind || req.LoginToken == "" {
		writeJSON(w, http.StatusOK, tokenexchange.Response{Error: "Invalid credentials"})
		return
	}

	ip := clientIP(r)
	if fwd := r.Header.Get(tokenexchange.ClientIPHeader); fwd != "" {
		ip = fwd
	}
	user, stored, err := s.auth.ConsumeLoginToken(r.Context(), req.LoginToken, ip)
	if err != nil {
		writeJSON(w, http.StatusOK, tokenexchange.Response{Error: exchangeMessage(err)})
		return
	}

	token, exp, err := s.sessions.Issue(user.ID.Hex(), user.Email)
	if err != nil {
		s.logger.Error("Failed to issue session", zap.String("user_id", user.ID.Hex()), zap.Error(err))
		writeJSON(w, http.StatusOK, tokenexchange.Response{Error: "Sign-in is temporarily unavailable"})
		return
	}
	http.SetCookie(w, s.sessions.Cookie(token, exp))

	target := util.SafeRedirect(req.RedirectCallback, util.SafeRedirect(stored, DefaultRedirect))
	writeJSON(w, http.StatusOK, tokenexchange.Response{URL: target})
}

// readExchangeRequest accepts a JSON or urlencoded body. Multipart bodies
// are refused.
func readExchangeRequest(w http.ResponseWriter, r *http.Request) (tokenexchange.Request, string) {
	var req tokenexchange.Request
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return req, "Unsupported content type"
		}
		mediaType = mt
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, "Invalid request payload"
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, "Invalid request payload"
		}
		req.CredentialKind = r.PostForm.Get("credentialKind")
		req.LoginToken = r.PostForm.Get("loginToken")
		req.RedirectCallback = r.PostForm.Get("redirectCallback")
	default:
		return req, "Unsupported content type"
	}
	return req, ""
}

func exchangeMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenInvalid):
		return "This sign-in link is invalid or has expired"
	case errors.Is(err, auth.ErrRateLimited):
		return "Too many sign-in attempts, please try again later"
	default:
		return "Sign-in is temporarily unavailable"
	}
}

// loginLandingHandler is the target of emailed sign-in links. It redeems
// the token through the callback and redirects the browser.
func (s *Server) loginLandingHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	callback := util.SafeRedirect(q.Get("callbackUrl"), "")
	if token == "" {
		redirectLoginError(w, r, "Missing sign-in token")
		return
	}

	nav := tokenexchange.NavigatorFunc(func(_ context.Context, target string, cookies []*http.Cookie) error {
		for _, c := range cookies {
			http.SetCookie(w, c)
		}
		http.Redirect(w, r, util.SafeRedirect(target, DefaultRedirect), http.StatusSeeOther)
		return nil
	})

	ctx := tokenexchange.WithClientIP(r.Context(), clientIP(r))
	err := s.exchanger.Exchange(ctx, token, callback, nav)
	var rejected *tokenexchange.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		redirectLoginError(w, r, rejected.Message)
	default:
		s.logger.Error("Login token exchange failed", zap.Error(err))
		redirectLoginError(w, r, "Sign-in is temporarily unavailable")
	}
}

func redirectLoginError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/login?"+url.Values{"error": {msg}}.Encode(), http.StatusSeeOther)
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.sessions.ClearCookie())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Signed out"})
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := s.auth.User(r.Context(), claims.Subject)
	if errors.Is(err, database.ErrNotFound) {
		http.SetCookie(w, s.sessions.ClearCookie())
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
