package backend

import (
	"fmt"

	"finet/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	cfg := Config{
		Session: SessionType(appConfig.SessionBackend),
		Retry:   RetryType(appConfig.RetryBackend),
		Profile: appConfig.Profile,

		SQLiteDBPath: appConfig.SQLiteDBPath,

		RedisAddr:     appConfig.RedisAddr,
		RedisPassword: appConfig.RedisPassword,
		RedisDB:       appConfig.RedisDB,
		SessionTTL:    appConfig.SessionTimeout * 2,

		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		AMQPQueue:    appConfig.AMQPQueue,

		NATSURL:        appConfig.NATSURL,
		NATSSubject:    appConfig.NATSSubject,
		NATSQueueGroup: appConfig.NATSQueueGroup,

		KafkaBrokers: appConfig.KafkaBrokers,
		KafkaTopic:   appConfig.KafkaTopic,
		KafkaGroup:   appConfig.KafkaGroup,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Session.IsValid() {
		return fmt.Errorf("invalid session backend: %s", c.Session)
	}
	if !c.Retry.IsValid() {
		return fmt.Errorf("invalid retry backend: %s", c.Retry)
	}

	switch c.Session {
	case SessionSQLite:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite session backend")
		}
	case SessionRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("Redis address is required for redis session backend")
		}
	case SessionMemory:
		// Nothing to configure
	}

	switch c.Retry {
	case RetrySQLite:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite retry backend")
		}
	case RetryAMQP:
		if c.AMQPURL == "" || c.AMQPExchange == "" || c.AMQPQueue == "" {
			return fmt.Errorf("AMQP URL, exchange and queue are required for amqp retry backend")
		}
	case RetryNATS:
		if c.NATSURL == "" || c.NATSSubject == "" {
			return fmt.Errorf("NATS URL and subject are required for nats retry backend")
		}
	case RetryKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("Kafka brokers and topic are required for kafka retry backend")
		}
	case RetryNone:
		// Failed balance writes are only logged
	}

	return nil
}

// SessionTypes returns all valid session backends
func SessionTypes() []SessionType {
	return []SessionType{SessionMemory, SessionSQLite, SessionRedis}
}

// RetryTypes returns all valid retry backends
func RetryTypes() []RetryType {
	return []RetryType{RetryNone, RetrySQLite, RetryAMQP, RetryNATS, RetryKafka}
}
