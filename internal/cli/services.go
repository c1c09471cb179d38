package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finet/internal/api"
	"finet/internal/backend"
	"finet/internal/cache"
	"finet/internal/config"
	"finet/internal/forecast"
	"finet/internal/ledger"
	"finet/internal/log"
	"finet/internal/session"
	"finet/internal/sheets"
	"finet/internal/sheets/google"
	"finet/internal/sheets/memory"
	"finet/internal/upload"
)

// Services is everything a Finet process talks to, wired once from the
// configuration.
type Services struct {
	Config     *config.Config
	Logger     *log.Logger
	API        *api.Client
	Session    *session.Manager
	Ledger     *ledger.Manager
	Retry      *backend.Retry
	Exporter   sheets.LedgerExporter
	Uploader   *upload.Cloudinary
	Forecaster forecast.Forecaster
	Caches     *cache.Manager

	factory *backend.Factory
}

// Options tweak how Build wires a process.
type Options struct {
	// Shared makes the API client re-read the session store before every
	// request instead of trusting the in-memory copy. Processes that never
	// log in themselves, like the worker, follow the one that did.
	Shared bool
	// SkipExporter leaves Exporter nil.
	SkipExporter bool
}

// Build wires the services for cfg. The caller owns the result and must
// Close it.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger, opts Options) (*Services, error) {
	if logger == nil {
		logger = log.Nop()
	}
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend config: %w", err)
	}

	s := &Services{
		Config:     cfg,
		Logger:     logger,
		Forecaster: forecast.Stub{},
		Caches:     cache.NewManager(logger),
		factory:    backend.NewFactory(logger),
	}

	s.API = api.New(api.Config{
		BaseURL:  cfg.APIBaseURL,
		Timeout:  cfg.APITimeout,
		CacheTTL: cfg.CacheTTL,
		Logger:   logger,
	})
	if c := s.API.Cache(); c != nil {
		s.Caches.Register(c)
	}

	sessions, err := s.factory.Sessions(ctx, bcfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Session = session.NewManager(sessions.Store, s.API, session.Config{
		Timeout:       cfg.SessionTimeout,
		CheckInterval: cfg.SessionCheckInterval,
		Logger:        logger,
	})
	if opts.Shared {
		s.API.SetTokenSource(SharedToken(s.Session))
	} else {
		s.API.SetTokenSource(s.Session.Token)
	}
	s.API.OnUnauthorized(s.Session.HandleUnauthorized)
	// A new session must not be served responses cached for the old one.
	s.Session.OnEvict(func(session.Eviction) { s.API.Invalidate() })

	if err := s.Session.Restore(ctx); err != nil {
		logger.WarnContext(ctx, "Could not restore session", log.FieldError, err)
	}

	s.Retry, err = s.factory.Retry(ctx, bcfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Ledger = ledger.NewManager(s.API, ledger.Config{
		Mode:   ledger.Mode(cfg.BalanceSync),
		Queue:  s.Retry.Queue,
		Logger: logger,
	})

	s.Uploader = upload.NewCloudinary(upload.Config{
		CloudName:    cfg.CloudinaryCloudName,
		UploadPreset: cfg.CloudinaryUploadPreset,
		Logger:       logger,
	})

	if !opts.SkipExporter {
		s.Exporter, err = NewExporter(ctx, cfg, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewExporter returns the Google Sheets exporter when a spreadsheet is
// configured and an in-memory one otherwise.
func NewExporter(ctx context.Context, cfg *config.Config, logger *log.Logger) (sheets.LedgerExporter, error) {
	if !cfg.SheetsEnabled() {
		logger.InfoContext(ctx, "No spreadsheet configured, exports are kept in memory")
		return memory.New(), nil
	}
	exp, err := google.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets exporter: %w", err)
	}
	return exp, nil
}

// SharedToken returns a token source that applies the expiry rule against
// the shared store on every call.
func SharedToken(m *session.Manager) api.TokenFunc {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !m.Check(ctx) {
			return ""
		}
		return m.Token()
	}
}

// Close releases stores and queues.
func (s *Services) Close() error {
	var errs []error
	if s.Caches != nil {
		s.Caches.Stop()
	}
	if s.factory != nil {
		if err := s.factory.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
