// Package kafka carries balance adjustments over a Kafka topic, keyed by
// wallet so adjustments of one wallet stay ordered within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"finet/internal/core"
	"finet/internal/log"
)

type Handler func(ctx context.Context, adj core.Adjustment) error

type Config struct {
	Brokers []string
	Topic   string
	Group   string
	Logger  *log.Logger
}

type Queue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	brokers  []string
	topic    string
	groupID  string
	logger   *log.Logger
}

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	// Retrying an adjustment can back off for minutes.
	config.Consumer.MaxProcessingTime = 5 * time.Minute
	return config
}

// New creates the producer. The consumer group is created lazily by Consume.
func New(cfg Config) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return newQueue(producer, cfg, logger.WithComponent(log.ComponentKafka)), nil
}

func newQueue(producer sarama.SyncProducer, cfg Config, logger *log.Logger) *Queue {
	return &Queue{
		producer: producer,
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		groupID:  cfg.Group,
		logger:   logger,
	}
}

// DeadTopic receives adjustments the worker gave up on.
func (q *Queue) DeadTopic() string {
	return q.topic + ".dlq"
}

func (q *Queue) Enqueue(ctx context.Context, adj core.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := q.send(q.topic, adj)
	if err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "Published balance adjustment",
		log.FieldOperation, log.OpEnqueue,
		log.FieldAdjustment, adj.ID,
		log.FieldWalletID, adj.WalletID,
		"topic", q.topic, "partition", partition, "offset", offset)
	return nil
}

func (q *Queue) send(topic string, adj core.Adjustment) (int32, int64, error) {
	data, err := adj.ToJSON()
	if err != nil {
		return 0, 0, fmt.Errorf("marshal adjustment: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(adj.WalletID),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("send to %s: %w", topic, err)
	}
	return partition, offset, nil
}

// Consume joins the consumer group and blocks until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	if q.group == nil {
		group, err := sarama.NewConsumerGroup(q.brokers, q.groupID, consumerConfig())
		if err != nil {
			return fmt.Errorf("create consumer group: %w", err)
		}
		q.group = group
	}

	h := &groupHandler{queue: q, handler: handler}
	for {
		if err := q.group.Consume(ctx, []string{q.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			q.logger.ErrorContext(ctx, "Kafka consumer error", log.FieldError, err)
		}
		if ctx.Err() != nil {
			q.logger.Info("Context cancelled, shutting down Kafka consumer")
			return ctx.Err()
		}
	}
}

type groupHandler struct {
	queue   *Queue
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.queue.logger.Info("Kafka consumer session started", "topic", h.queue.topic)
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.queue.process(session.Context(), msg.Value, h.handler) {
				session.MarkMessage(msg, "")
			}
		}
	}
}

// process reports whether the message is finished with and may be committed.
func (q *Queue) process(ctx context.Context, value []byte, handler Handler) bool {
	adj, err := core.AdjustmentFromJSON(value)
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to unmarshal adjustment", log.FieldError, err)
		return true
	}

	err = handler(ctx, adj)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		// Rebalance or shutdown mid-retry; leave the offset for the next owner.
		return false
	}

	adj.LastError = err.Error()
	if _, _, derr := q.send(q.DeadTopic(), adj); derr != nil {
		q.logger.ErrorContext(ctx, "Failed to publish dead letter",
			log.FieldError, derr, log.FieldAdjustment, adj.ID)
		return false
	}
	q.logger.ErrorContext(ctx, "Balance adjustment dead-lettered",
		log.FieldError, err, log.FieldAdjustment, adj.ID, log.FieldWalletID, adj.WalletID,
		"topic", q.DeadTopic())
	return true
}

func (q *Queue) Close() error {
	var errs []error
	if q.group != nil {
		errs = append(errs, q.group.Close())
	}
	if q.producer != nil {
		errs = append(errs, q.producer.Close())
	}
	return errors.Join(errs...)
}
