package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"finet/internal/amqp"
	"finet/internal/core"
	"finet/internal/kafka"
	"finet/internal/log"
	"finet/internal/nats"
	"finet/internal/session"
	"finet/internal/session/redisstore"
	"finet/internal/storage"
)

// Factory opens the stores and queues a process needs and closes them
// together. The SQLite database is opened once and shared between the
// session store and the outbox.
type Factory struct {
	logger *log.Logger

	mu      sync.Mutex
	sqlite  *storage.SQLiteRepository
	cleanup []CleanupFunc
}

func NewFactory(logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.Nop()
	}
	return &Factory{logger: logger.WithComponent(log.ComponentBackend)}
}

func (f *Factory) onClose(fn CleanupFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanup = append(f.cleanup, fn)
}

func (f *Factory) repository(path string) (*storage.SQLiteRepository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sqlite != nil {
		return f.sqlite, nil
	}
	repo, err := storage.NewSQLiteRepository(path, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}
	f.sqlite = repo
	f.cleanup = append(f.cleanup, repo.Close)
	return repo, nil
}

// Sessions creates the configured session store.
func (f *Factory) Sessions(ctx context.Context, config Config) (*Sessions, error) {
	if !config.Session.IsValid() {
		return nil, fmt.Errorf("invalid session backend: %s", config.Session)
	}

	var store session.Store
	switch config.Session {
	case SessionMemory:
		store = session.NewMemoryStore()

	case SessionSQLite:
		repo, err := f.repository(config.SQLiteDBPath)
		if err != nil {
			return nil, err
		}
		store = repo.SessionStore(config.Profile)

	case SessionRedis:
		rs, err := redisstore.Connect(ctx, redisstore.Options{
			Addr:      config.RedisAddr,
			Password:  config.RedisPassword,
			DB:        config.RedisDB,
			Namespace: config.Profile,
			TTL:       config.SessionTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect session store: %w", err)
		}
		f.onClose(rs.Close)
		store = rs
	}

	f.logger.InfoContext(ctx, "Initialized session store",
		log.FieldBackend, config.Session.String(), "profile", config.Profile)
	return &Sessions{Type: config.Session, Store: store}, nil
}

// Retry creates the configured retry queue.
func (f *Factory) Retry(ctx context.Context, config Config) (*Retry, error) {
	if !config.Retry.IsValid() {
		return nil, fmt.Errorf("invalid retry backend: %s", config.Retry)
	}

	r := &Retry{Type: config.Retry}
	switch config.Retry {
	case RetryNone:
		f.logger.WarnContext(ctx, "No retry backend configured, failed balance writes are only logged")
		return r, nil

	case RetrySQLite:
		repo, err := f.repository(config.SQLiteDBPath)
		if err != nil {
			return nil, err
		}
		r.Queue = repo
		r.Outbox = repo

	case RetryAMQP:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
		}
		f.onClose(client.Close)
		r.Queue = client
		r.Consume = func(ctx context.Context, h func(context.Context, core.Adjustment) error) error {
			return client.Consume(ctx, h)
		}

	case RetryNATS:
		q, err := nats.Connect(config.NATSURL, config.NATSSubject, config.NATSQueueGroup, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize NATS queue: %w", err)
		}
		f.onClose(q.Close)
		r.Queue = q
		r.Consume = func(ctx context.Context, h func(context.Context, core.Adjustment) error) error {
			return q.Consume(ctx, h)
		}

	case RetryKafka:
		q, err := kafka.New(kafka.Config{
			Brokers: config.KafkaBrokers,
			Topic:   config.KafkaTopic,
			Group:   config.KafkaGroup,
			Logger:  f.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kafka queue: %w", err)
		}
		f.onClose(q.Close)
		r.Queue = q
		r.Consume = func(ctx context.Context, h func(context.Context, core.Adjustment) error) error {
			return q.Consume(ctx, h)
		}
	}

	f.logger.InfoContext(ctx, "Initialized retry backend", log.FieldBackend, config.Retry.String())
	return r, nil
}

// Close releases everything the factory opened, newest first.
func (f *Factory) Close() error {
	f.mu.Lock()
	cleanup := f.cleanup
	f.cleanup = nil
	f.sqlite = nil
	f.mu.Unlock()

	var errs []error
	for i := len(cleanup) - 1; i >= 0; i-- {
		if err := cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
