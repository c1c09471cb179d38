package backend

import (
	"context"
	"time"

	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/session"
	"finet/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// ConsumeFunc feeds queued adjustments to handler until ctx is cancelled.
type ConsumeFunc func(ctx context.Context, handler func(context.Context, core.Adjustment) error) error

// Retry is the compensation path for failed balance writes.
type Retry struct {
	Type RetryType
	// Queue receives adjustments; nil for RetryNone.
	Queue ledger.Queue
	// Consume is set for broker backends.
	Consume ConsumeFunc
	// Outbox is set for RetrySQLite and is drained by a poller instead of Consume.
	Outbox *storage.SQLiteRepository
}

// Sessions is the session store shared by every process of one profile.
type Sessions struct {
	Type  SessionType
	Store session.Store
}

// Config holds configuration for backend creation
type Config struct {
	Session SessionType
	Retry   RetryType

	// Profile namespaces the session keys
	Profile string

	// SQLite specific
	SQLiteDBPath string

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// SessionTTL lets Redis expire abandoned session keys
	SessionTTL time.Duration

	// AMQP specific
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// NATS specific
	NATSURL        string
	NATSSubject    string
	NATSQueueGroup string

	// Kafka specific
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
}

// SessionType selects the session store
type SessionType string

const (
	SessionMemory SessionType = "memory"
	SessionSQLite SessionType = "sqlite"
	SessionRedis  SessionType = "redis"
)

func (t SessionType) String() string {
	return string(t)
}

func (t SessionType) IsValid() bool {
	switch t {
	case SessionMemory, SessionSQLite, SessionRedis:
		return true
	default:
		return false
	}
}

// RetryType selects where failed balance writes are queued
type RetryType string

const (
	RetryNone   RetryType = "none"
	RetrySQLite RetryType = "sqlite"
	RetryAMQP   RetryType = "amqp"
	RetryNATS   RetryType = "nats"
	RetryKafka  RetryType = "kafka"
)

func (t RetryType) String() string {
	return string(t)
}

func (t RetryType) IsValid() bool {
	switch t {
	case RetryNone, RetrySQLite, RetryAMQP, RetryNATS, RetryKafka:
		return true
	default:
		return false
	}
}

// Brokered reports whether adjustments travel through a message broker.
func (t RetryType) Brokered() bool {
	return t == RetryAMQP || t == RetryNATS || t == RetryKafka
}
