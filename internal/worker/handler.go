// Package worker replays balance adjustments whose original wallet write
// failed. Broker consumers hand each delivery to a Handler, which retries
// with exponential backoff; the OutboxProcessor drives the SQLite outbox
// the same way without a broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/log"
)

const (
	// DefaultMaxRetries bounds the attempts made for one adjustment.
	DefaultMaxRetries = 5
	maxBackoff        = 30 * time.Second
)

var (
	// ErrGaveUp is returned once an adjustment exhausted its retries.
	ErrGaveUp = errors.New("adjustment retries exhausted")
	// ErrPermanent marks failures that no retry can fix.
	ErrPermanent = errors.New("adjustment cannot be applied")
)

// Applier applies one adjustment against the API.
type Applier interface {
	ApplyAdjustment(ctx context.Context, adj core.Adjustment) (ledger.Resolution, error)
}

// Backoff is 1s doubled per attempt, capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	return time.Second << attempt
}

// Permanent reports whether err cannot be fixed by retrying: the
// adjustment itself is malformed or its wallet no longer exists.
func Permanent(err error) bool {
	var verr *core.ValidationError
	return errors.As(err, &verr) || errors.Is(err, api.ErrNotFound) || errors.Is(err, ErrPermanent)
}

type HandlerConfig struct {
	MaxRetries int
	Logger     *log.Logger
}

type Handler struct {
	applier    Applier
	maxRetries int
	logger     *log.Logger

	backoff func(int) time.Duration
	sleep   func(context.Context, time.Duration) error
}

func NewHandler(applier Applier, cfg HandlerConfig) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{
		applier:    applier,
		maxRetries: cfg.MaxRetries,
		logger:     logger.WithComponent(log.ComponentWorker),
		backoff:    Backoff,
		sleep:      sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle applies adj, retrying transient failures until the attempt budget
// is spent. Attempts already recorded on adj count against the budget.
func (h *Handler) Handle(ctx context.Context, adj core.Adjustment) error {
	var lastErr error
	for attempt := adj.Attempts; attempt < h.maxRetries; attempt++ {
		if attempt > adj.Attempts {
			if err := h.sleep(ctx, h.backoff(attempt-1)); err != nil {
				return err
			}
		}

		res, err := h.applier.ApplyAdjustment(ctx, adj)
		if err == nil {
			h.logger.InfoContext(ctx, "Balance adjustment settled",
				log.FieldAdjustment, adj.ID,
				log.FieldWalletID, adj.WalletID,
				log.FieldReason, string(res),
				log.FieldAttempt, attempt+1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if Permanent(err) {
			h.logger.ErrorContext(ctx, "Balance adjustment cannot be applied",
				log.FieldAdjustment, adj.ID, log.FieldWalletID, adj.WalletID, log.FieldError, err)
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		h.logger.WarnContext(ctx, "Balance adjustment attempt failed",
			log.FieldAdjustment, adj.ID,
			log.FieldWalletID, adj.WalletID,
			log.FieldAttempt, attempt+1,
			log.FieldError, err)
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts left")
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, h.maxRetries, lastErr)
}
