// Package nats carries balance adjustments over a NATS subject. Workers
// share the subject through a queue group so each adjustment is handled once.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"finet/internal/core"
	"finet/internal/log"
)

type Handler func(ctx context.Context, adj core.Adjustment) error

type Queue struct {
	nc      *nats.Conn
	subject string
	group   string
	logger  *log.Logger
}

// Connect dials url and returns a queue publishing to subject.
func Connect(url, subject, group string, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent(log.ComponentNATS)

	nc, err := nats.Connect(url,
		nats.Name("finet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", log.FieldError, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return New(nc, subject, group, logger), nil
}

func New(nc *nats.Conn, subject, group string, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	return &Queue{nc: nc, subject: subject, group: group, logger: logger}
}

// DeadSubject receives adjustments the worker gave up on.
func (q *Queue) DeadSubject() string {
	return q.subject + ".dead"
}

func (q *Queue) Enqueue(ctx context.Context, adj core.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	data, err := adj.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal adjustment: %w", err)
	}
	if err := q.publish(ctx, q.subject, data); err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "Published balance adjustment",
		log.FieldOperation, log.OpEnqueue,
		log.FieldAdjustment, adj.ID,
		log.FieldWalletID, adj.WalletID,
		"subject", q.subject)
	return nil
}

func (q *Queue) publish(ctx context.Context, subject string, data []byte) error {
	if err := q.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	// Flush so a dead connection surfaces here rather than being lost.
	if err := q.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Consume subscribes in the queue group and blocks until ctx is cancelled.
// Messages a handler rejects are republished on DeadSubject.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.nc.QueueSubscribe(q.subject, q.group, func(m *nats.Msg) {
		q.handle(ctx, m, handler)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}

	q.logger.InfoContext(ctx, "Started consuming balance adjustments",
		"subject", q.subject, "group", q.group)

	<-ctx.Done()
	q.logger.Info("NATS consumer shutting down, draining subscription")
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return ctx.Err()
}

func (q *Queue) handle(ctx context.Context, m *nats.Msg, handler Handler) {
	adj, err := core.AdjustmentFromJSON(m.Data)
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to unmarshal adjustment", log.FieldError, err)
		return
	}
	if err := handler(ctx, adj); err != nil {
		q.logger.ErrorContext(ctx, "Balance adjustment dead-lettered",
			log.FieldError, err, log.FieldAdjustment, adj.ID, log.FieldWalletID, adj.WalletID)
		adj.LastError = err.Error()
		if data, merr := adj.ToJSON(); merr == nil {
			if perr := q.publish(context.WithoutCancel(ctx), q.DeadSubject(), data); perr != nil {
				q.logger.ErrorContext(ctx, "Failed to publish dead letter", log.FieldError, perr)
			}
		}
	}
}

func (q *Queue) Close() error {
	if q.nc == nil {
		return nil
	}
	err := q.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
