package mq

import (
	"fmt"

	"github.com/streadway/amqp"

	"wagateway/internal/config"
)

func DialRabbitMQ(cfg *config.RabbitMQConfig) (*amqp.Connection, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	return conn, nil
}
