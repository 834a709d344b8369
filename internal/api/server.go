// Package api is the HTTP surface of the service.
package api

import (
	"context"
	"net/http"
	"time"

	"cloudbudgetguard/internal/auth"
	"cloudbudgetguard/internal/models"
	"cloudbudgetguard/internal/session"
	"cloudbudgetguard/internal/tokenexchange"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// DefaultRedirect is where a signed-in user lands without a callback URL.
const DefaultRedirect = "/app/dashboard"

type AuthService interface {
	RequestOTP(ctx context.Context, email, ip, botToken string) (time.Time, error)
	VerifyOTP(ctx context.Context, email, code string) (auth.IssuedToken, error)
	RequestMagicLink(ctx context.Context, email, ip, botToken, redirect string) error
	ConsumeLoginToken(ctx context.Context, raw, ip string) (*models.User, string, error)
	User(ctx context.Context, id string) (*models.User, error)
}

type PhoneService interface {
	Request(ctx context.Context, userID primitive.ObjectID, phone string) (time.Time, error)
	Confirm(ctx context.Context, userID primitive.ObjectID, phone, code string) error
}

type ReportStore interface {
	Latest(ctx context.Context, userID primitive.ObjectID) (*models.WeeklyReport, error)
}

// Exchanger redeems a login token for the landing page.
type Exchanger interface {
	Exchange(ctx context.Context, token, redirectTarget string, nav tokenexchange.Navigator) error
}

type Deps struct {
	Auth      AuthService
	Phone     PhoneService
	Reports   ReportStore
	Sessions  *session.Manager
	Exchanger Exchanger

	// Health reports whether backing stores are reachable. Optional.
	Health func(ctx context.Context) error

	Logger         *zap.Logger
	StaticDir      string
	AllowedOrigins []string

	// TrustProxyHeaders applies X-Forwarded-For to the client address.
	TrustProxyHeaders bool
}

type Server struct {
	auth       AuthService
	phone      PhoneService
	reports    ReportStore
	sessions   *session.Manager
	exchanger  Exchanger
	health     func(ctx context.Context) error
	logger     *zap.Logger
	staticDir  string
	origins    []string
	trustProxy bool
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		auth:       d.Auth,
		phone:      d.Phone,
		reports:    d.Reports,
		sessions:   d.Sessions,
		exchanger:  d.Exchanger,
		health:     d.Health,
		logger:     logger,
		staticDir:  d.StaticDir,
		origins:    d.AllowedOrigins,
		trustProxy: d.TrustProxyHeaders,
	}
}

// Router builds the routed handler with its middleware chain.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/otp/request", s.requestOTPHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/otp/verify", s.verifyOTPHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/magic-link", s.magicLinkHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/callback/login-token", s.loginTokenCallbackHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.logoutHandler).Methods(http.MethodPost)

	private := api.NewRoute().Subrouter()
	private.Use(s.sessions.Require)
	private.HandleFunc("/me", s.meHandler).Methods(http.MethodGet)
	private.HandleFunc("/phone/verify/request", s.phoneRequestHandler).Methods(http.MethodPost)
	private.HandleFunc("/phone/verify/confirm", s.phoneConfirmHandler).Methods(http.MethodPost)
	private.HandleFunc("/reports/latest", s.latestReportHandler).Methods(http.MethodGet)

	router.HandleFunc("/auth/login", s.loginLandingHandler).Methods(http.MethodGet)

	if s.staticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}

	var h http.Handler = router
	h = s.logRequests(h)
	if len(s.origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
			handlers.AllowCredentials(),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)))(h)
	if s.trustProxy {
		h = handlers.ProxyHeaders(h)
	}
	return stripForwardedClientIP(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			writeJSONError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
