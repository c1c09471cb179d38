// Package http is the backend-for-frontend consumed by the Finet SPA. It
// owns the session on behalf of the browser and turns every wallet and
// entry mutation into a consistent ledger write.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"finet/internal/cache"
	"finet/internal/config"
	"finet/internal/core"
	"finet/internal/forecast"
	"finet/internal/ledger"
	"finet/internal/log"
	"finet/internal/middleware/ratelimit"
	"finet/internal/middleware/security"
	"finet/internal/middleware/trace"
	"finet/internal/session"
	"finet/internal/sheets"
)

// FinetAPI is the part of the Finet REST client the handlers read through.
// Ledger writes go through the ledger manager instead.
type FinetAPI interface {
	Register(ctx context.Context, reg core.Registration) error
	GoogleAuthURL(redirectURL string) string
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, otp string) error
	Profile(ctx context.Context) (core.User, error)
	UpdateUser(ctx context.Context, upd core.ProfileUpdate) (core.User, error)

	Wallets(ctx context.Context) ([]core.Wallet, error)
	FindWallet(ctx context.Context, id string) (core.Wallet, error)
	CreateWallet(ctx context.Context, w core.Wallet) (core.Wallet, error)
	UpdateWallet(ctx context.Context, w core.Wallet) error
	DeleteWallet(ctx context.Context, id string) error

	Entries(ctx context.Context) ([]core.Entry, error)
	Entry(ctx context.Context, id string) (core.Entry, error)
}

// ImageUploader stores a profile image and returns its public URL.
type ImageUploader interface {
	Enabled() bool
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Deps are the services the server is built on. Exporter, Uploader,
// Forecaster and Caches may be nil.
type Deps struct {
	Config     *config.Config
	Logger     *log.Logger
	API        FinetAPI
	Session    *session.Manager
	Ledger     *ledger.Manager
	Exporter   sheets.LedgerExporter
	Uploader   ImageUploader
	Forecaster forecast.Forecaster
	Caches     *cache.Manager
}

const (
	otpCooldown  = 60 * time.Second
	recentLimit  = 5
	maxBodyBytes = 1 << 20
)

type appMetrics struct {
	uptime        time.Time
	entriesWrites int64
	queuedWrites  int64
	exports       int64
}

type Server struct {
	http.Server

	cfg        *config.Config
	logger     *log.Logger
	api        FinetAPI
	sess       *session.Manager
	ledger     *ledger.Manager
	exporter   sheets.LedgerExporter
	uploader   ImageUploader
	forecaster forecast.Forecaster
	now        func() time.Time

	otpSent *cache.LRUCache[time.Time]

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics
}

// NewServer builds the BFF on addr.
func NewServer(addr string, deps Deps) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Load()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent(log.ComponentHTTP)
	forecaster := deps.Forecaster
	if forecaster == nil {
		forecaster = forecast.Stub{}
	}

	s := &Server{
		cfg:              cfg,
		logger:           logger,
		api:              deps.API,
		sess:             deps.Session,
		ledger:           deps.Ledger,
		exporter:         deps.Exporter,
		uploader:         deps.Uploader,
		forecaster:       forecaster,
		now:              time.Now,
		otpSent:          cache.NewLRUCache[time.Time](1000, otpCooldown),
		securityDetector: security.NewDetector(logger),
		appMetrics:       &appMetrics{uptime: time.Now()},
	}
	s.rateLimiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		Logger:            logger,
	})
	s.traceMiddleware = trace.NewMiddleware(logger, s.securityDetector.ExtractClientIP)
	if deps.Caches != nil {
		deps.Caches.Register(s.otpSent)
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.traceMiddleware.Middleware)
	r.Use(s.securityDetector.Middleware)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "HX-Request"},
		ExposedHeaders:   []string{"HX-Redirect", "HX-Trigger", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		TooManyRequestsError("Too many requests. Please try again later.").Write(w)
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/auth/google", s.handleGoogleAuth)
	r.Get("/auth/callback", s.handleAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(security.NoStore)

		// avatar uploads carry their own, larger body limit
		r.With(s.requireSession, maxBody(MaxAvatarRequestSize)).Post("/settings/avatar", s.handleUploadAvatar)

		r.Group(func(r chi.Router) {
			r.Use(maxBody(maxBodyBytes))

			r.Get("/session", s.handleSession)
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/otp/send", s.handleSendOTP)
			r.Post("/auth/otp/verify", s.handleVerifyOTP)

			r.Group(func(pr chi.Router) {
				pr.Use(s.requireSession)

				pr.Get("/dashboard", s.handleDashboard)
				pr.Post("/forecast", s.handleForecast)

				pr.Get("/wallets", s.handleListWallets)
				pr.Post("/wallets", s.handleCreateWallet)
				pr.Get("/wallets/{id}", s.handleWalletDetail)
				pr.Patch("/wallets/{id}", s.handleUpdateWallet)
				pr.Delete("/wallets/{id}", s.handleDeleteWallet)
				pr.Post("/wallets/{id}/export", s.handleExportWallet)

				pr.Post("/wallets/{id}/entries", s.handleCreateEntry)
				pr.Patch("/wallets/{id}/entries/{entryID}", s.handleEditEntry)
				pr.Delete("/wallets/{id}/entries/{entryID}", s.handleDeleteEntry)

				pr.Get("/settings/profile", s.handleGetProfile)
				pr.Patch("/settings/profile", s.handleUpdateProfile)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("Not found").Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		MethodNotAllowedError("").Write(w)
	})
	return r
}

// requireSession answers 401 with a login redirect unless a fresh session
// exists.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sess == nil || !s.sess.Check(r.Context()) {
			UnauthorizedError(s.evictionMessage()).Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) evictionMessage() string {
	if s.sess != nil {
		if ev, ok := s.sess.LastEviction(); ok && ev.Reason != session.ReasonLogout {
			return ev.Message()
		}
	}
	return "Please log in."
}

func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// appURL is where the browser lands after leaving the BFF, the SPA origin
// when one is configured.
func (s *Server) appURL(path string) string {
	for _, origin := range s.cfg.CORSOrigins {
		if origin != "" && origin != "*" {
			return strings.TrimRight(origin, "/") + path
		}
	}
	return path
}

// Shutdown stops the listener and the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Shutting down HTTP server", log.FieldOperation, log.OpShutdown)
	s.rateLimiter.Stop()
	return s.Server.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "HTTP server listening", "addr", s.Addr, log.FieldOperation, log.OpStartup)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) countEntryWrite(res ledger.Result) {
	atomic.AddInt64(&s.appMetrics.entriesWrites, 1)
	if res.Outcome == ledger.Queued {
		atomic.AddInt64(&s.appMetrics.queuedWrites, 1)
	}
}
