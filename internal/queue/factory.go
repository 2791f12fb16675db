package queue

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"wagateway/internal/config"
	"wagateway/internal/infrastructure/mq"
)

func PolicyFromConfig(cfg *config.QueueConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		JitterFactor:   0.2,
	}
}

// Open builds the driver selected by queue.driver. consume is false for
// publish-only processes, which then skip joining a Kafka consumer group.
// rdb is required for the redis driver only.
func Open(cfg *config.Config, rdb redis.UniversalClient, consume bool, logger zerolog.Logger) (Queue, error) {
	policy := PolicyFromConfig(&cfg.Queue)
	logger = logger.With().Str("component", "Queue").Str("driver", cfg.Queue.Driver).Logger()

	switch cfg.Queue.Driver {
	case "memory":
		return NewMemoryQueue(0, cfg.Queue.Concurrency, policy, logger), nil

	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("queue: redis driver needs a redis client")
		}
		return NewRedisQueue(rdb, cfg.Queue.Name, cfg.Queue.Concurrency, policy, logger), nil

	case "kafka":
		producer, err := mq.NewSyncProducer(&cfg.Kafka)
		if err != nil {
			return nil, err
		}
		var group sarama.ConsumerGroup
		if consume {
			if group, err = mq.NewConsumerGroup(&cfg.Kafka); err != nil {
				_ = producer.Close()
				return nil, err
			}
		}
		return NewKafkaQueue(producer, group, cfg.Kafka.Topic.Send, cfg.Kafka.Topic.DeadLetter, policy, logger), nil

	case "rabbitmq":
		conn, err := mq.DialRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		q, err := NewRabbitMQQueue(conn, cfg.RabbitMQ.Queue, cfg.RabbitMQ.DeadLetter, cfg.RabbitMQ.Prefetch, cfg.Queue.Concurrency, policy, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return q, nil

	default:
		return nil, fmt.Errorf("queue: unsupported driver %q", cfg.Queue.Driver)
	}
}
