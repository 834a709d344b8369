package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloudbudgetguard/internal/api"
	"cloudbudgetguard/internal/auth"
	"cloudbudgetguard/internal/config"
	"cloudbudgetguard/internal/database"
	"cloudbudgetguard/internal/mailer"
	"cloudbudgetguard/internal/phone"
	"cloudbudgetguard/internal/ratelimit"
	"cloudbudgetguard/internal/session"
	"cloudbudgetguard/internal/tokenexchange"
	"cloudbudgetguard/internal/turnstile"
	"cloudbudgetguard/internal/util"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func init() {
	// Load environment variables from .env file.
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	// Create a context for initialization.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := database.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Error("Error disconnecting from DB", zap.Error(err))
		}
	}()
	db := client.Database(cfg.Mongo.Database)

	bootstrap := database.NewBootstrapper(database.NewIndexCreator(db), logger)
	if err := bootstrap.Ensure(ctx); err != nil {
		logger.Fatal("Failed to create indexes", zap.Error(err))
	}

	store, closeStore, err := rateLimitStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("Failed to set up rate limit store", zap.Error(err))
	}
	defer closeStore()
	limiter := ratelimit.New(store, logger)

	policy, err := tokenexchange.ParsePolicy(cfg.Auth.NoResponsePolicy)
	if err != nil {
		logger.Fatal("Invalid LOGIN_TOKEN_NO_RESPONSE_POLICY", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	users := database.NewUserRepo(db)

	authSvc := auth.NewService(
		users,
		database.NewChallengeRepo(db),
		database.NewLoginTokenRepo(db),
		limiter,
		turnstile.NewVerifier(cfg.TurnstileSecret, httpClient),
		newMailer(cfg, logger),
		logger.Named("auth"),
		auth.Options{
			OTPTTL:        cfg.Auth.OTPTTL,
			LoginTokenTTL: cfg.Auth.LoginTokenTTL,
			PublicURL:     cfg.PublicURL,
		},
	)

	var sender phone.Sender = phone.NewLogSender(logger)
	if cfg.WhatsAppEnabled() {
		sender = phone.NewWhatsAppSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, httpClient)
	} else {
		logger.Warn("WhatsApp is not configured, verification codes will be logged")
	}
	phoneSvc := phone.NewService(database.NewPhoneVerificationRepo(db), users, limiter, sender, cfg.Auth.PhoneCodeTTL, logger.Named("phone"))

	server := api.New(api.Deps{
		Auth:      authSvc,
		Phone:     phoneSvc,
		Reports:   database.NewReportRepo(db),
		Sessions:  session.NewManager(cfg.Auth.Secret, cfg.Auth.SessionTTL, cfg.IsProduction()),
		Exchanger: tokenexchange.NewClient(cfg.InternalURL, httpClient, policy, logger.Named("tokenexchange")),
		Health: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		},
		Logger:         logger.Named("http"),
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: []string{cfg.PublicURL},

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Create the HTTP server.
	srv := &http.Server{
		Handler:      server.Router(),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine.
	go func() {
		logger.Info("Server running", zap.String("addr", srv.Addr), zap.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signals for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return
	}
	logger.Info("Server exiting gracefully")
}

// rateLimitStore selects the limiter backend named by RATE_LIMIT_STORE.
func rateLimitStore(ctx context.Context, cfg *config.Config, db *mongo.Database, logger *zap.Logger) (ratelimit.Store, func(), error) {
	switch cfg.RateLimitStore {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		logger.Info("Rate limits stored in Redis")
		return ratelimit.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	case config.StoreMemory:
		logger.Warn("Rate limits kept in memory, counters are per process")
		mem := ratelimit.NewMemoryStore()
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case now := <-ticker.C:
					mem.Sweep(now)
				case <-stop:
					return
				}
			}
		}()
		return mem, func() { close(stop) }, nil
	default:
		return ratelimit.NewMongoStore(db.Collection(database.RateLimitsCollection)), func() {}, nil
	}
}

func newMailer(cfg *config.Config, logger *zap.Logger) mailer.Mailer {
	if !cfg.SMTPEnabled() {
		logger.Warn("SMTP is not configured, emails will be logged")
		return mailer.NewLogMailer(logger)
	}
	m, err := mailer.NewSMTPMailer(cfg.SMTP.Server, cfg.SMTP.User, cfg.SMTP.Password)
	if err != nil {
		logger.Fatal("Invalid SMTP configuration", zap.Error(err))
	}
	return m
}
