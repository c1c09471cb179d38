package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"finet/internal/core"
	"finet/internal/log"
	"finet/internal/storage"
)

// Outbox is the adjustment table the processor drains.
type Outbox interface {
	ClaimDue(ctx context.Context, limit int) ([]storage.OutboxRecord, error)
	MarkDone(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, cause error, next time.Time) error
	MarkFailed(ctx context.Context, id string, cause error) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
	RequeueFailed(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (map[storage.AdjustmentStatus]int64, error)
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// PollInterval is how often to check for due adjustments (default: 10s)
	PollInterval time.Duration

	// BatchSize is the max number of adjustments claimed per poll (default: 10)
	BatchSize int

	// MaxRetries is the number of attempts before an adjustment is marked failed (default: 5)
	MaxRetries int

	// StaleAfter is how long a claimed adjustment may stay processing (default: 5m)
	StaleAfter time.Duration

	// CleanupInterval is how often done adjustments are purged (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old done adjustments must be before cleanup (default: 24h)
	CleanupAge time.Duration

	Logger *log.Logger
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      DefaultMaxRetries,
		StaleAfter:      5 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// OutboxProcessor polls the SQLite outbox and applies due adjustments, one
// attempt per poll. Failed attempts are rescheduled with Backoff.
type OutboxProcessor struct {
	outbox  Outbox
	applier Applier
	config  OutboxConfig
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewOutboxProcessor(outbox Outbox, applier Applier, config OutboxConfig) *OutboxProcessor {
	def := DefaultOutboxConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.CleanupAge <= 0 {
		config.CleanupAge = def.CleanupAge
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &OutboxProcessor{
		outbox:  outbox,
		applier: applier,
		config:  config,
		logger:  logger.WithComponent(log.ComponentWorker),
		now:     time.Now,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	// Reset adjustments left in processing by a previous crash
	if _, err := p.outbox.ResetStaleProcessing(ctx, p.config.StaleAfter); err != nil {
		p.logger.WarnContext(ctx, "Failed to reset stale adjustments", log.FieldError, err)
	}

	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "Outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop signals the loop and waits for the current batch to finish.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "Outbox processor stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Outbox processor stop timed out")
		return ctx.Err()
	}
}

func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run starts the processor and blocks until ctx is cancelled.
func (p *OutboxProcessor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return p.Stop(stopCtx)
}

func (p *OutboxProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Process immediately on startup
	p.ProcessBatch(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.ProcessBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

// ProcessBatch claims due adjustments and applies each once. It returns the
// number of adjustments settled.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) int {
	items, err := p.outbox.ClaimDue(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to claim due adjustments", log.FieldError, err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	p.logger.DebugContext(ctx, "Processing adjustment batch", "count", len(items))

	settled := 0
	for _, item := range items {
		if ctx.Err() != nil {
			// Left in processing; ResetStaleProcessing picks it up later.
			return settled
		}
		if p.process(ctx, item.Adjustment) {
			settled++
		}
	}
	return settled
}

func (p *OutboxProcessor) process(ctx context.Context, adj core.Adjustment) bool {
	res, err := p.applier.ApplyAdjustment(ctx, adj)
	if err == nil {
		if merr := p.outbox.MarkDone(ctx, adj.ID); merr != nil {
			p.logger.ErrorContext(ctx, "Failed to mark adjustment done",
				log.FieldAdjustment, adj.ID, log.FieldError, merr)
		}
		p.logger.InfoContext(ctx, "Balance adjustment settled",
			log.FieldAdjustment, adj.ID,
			log.FieldWalletID, adj.WalletID,
			log.FieldReason, string(res),
			log.FieldAttempt, adj.Attempts+1)
		return true
	}

	attempt := adj.Attempts + 1
	p.logger.WarnContext(ctx, "Balance adjustment attempt failed",
		log.FieldAdjustment, adj.ID,
		log.FieldWalletID, adj.WalletID,
		log.FieldAttempt, attempt,
		log.FieldError, err)

	if Permanent(err) || attempt >= p.config.MaxRetries {
		if merr := p.outbox.MarkFailed(ctx, adj.ID, err); merr != nil {
			p.logger.ErrorContext(ctx, "Failed to mark adjustment failed",
				log.FieldAdjustment, adj.ID, log.FieldError, merr)
		}
		return false
	}

	next := p.now().Add(Backoff(adj.Attempts))
	if merr := p.outbox.MarkRetry(ctx, adj.ID, err, next); merr != nil {
		p.logger.ErrorContext(ctx, "Failed to reschedule adjustment",
			log.FieldAdjustment, adj.ID, log.FieldError, merr)
	}
	return false
}

func (p *OutboxProcessor) cleanup(ctx context.Context) {
	n, err := p.outbox.Cleanup(ctx, p.config.CleanupAge)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to cleanup done adjustments", log.FieldError, err)
		return
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "Cleaned up done adjustments", "count", n)
	}
}

// Stats returns the number of adjustments per status.
func (p *OutboxProcessor) Stats(ctx context.Context) (map[storage.AdjustmentStatus]int64, error) {
	return p.outbox.Counts(ctx)
}

// RetryFailed makes failed adjustments due again.
func (p *OutboxProcessor) RetryFailed(ctx context.Context) (int64, error) {
	return p.outbox.RequeueFailed(ctx)
}
