package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
)

type rabbitMQSink struct {
	mu            sync.Mutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	config        config.RabbitMQConfig
	retryAttempts int
	logger        *logrus.Entry
}

// NewRabbitMQSink connects and declares the alert exchange.
func NewRabbitMQSink(cfg config.RabbitMQConfig, logger *logrus.Logger) (AlertSink, error) {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	s := &rabbitMQSink{
		config:        cfg,
		retryAttempts: 3,
		logger:        logger.WithField("component", "rabbitmq_sink"),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *rabbitMQSink) connect() error {
	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		s.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", s.config.Exchange, err)
	}

	s.conn = conn
	s.channel = ch
	return nil
}

func (s *rabbitMQSink) reconnect() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return s.connect()
}

func (s *rabbitMQSink) Publish(ctx context.Context, alert *ComplianceAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    alert.PublishedAt,
		MessageId:    alert.AlertID,
		DeliveryMode: amqp.Persistent,
	}
	routingKey := s.config.RoutingKey + "." + alert.RoutingKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if s.conn == nil || s.conn.IsClosed() {
			if err := s.reconnect(); err != nil {
				publishErr = err
				s.logger.WithError(err).Warn("Failed to reconnect to RabbitMQ")
			}
		}
		if s.channel != nil {
			publishErr = s.channel.PublishWithContext(ctx,
				s.config.Exchange, // exchange
				routingKey,        // routing key
				false,             // mandatory
				false,             // immediate
				publishing,
			)
			if publishErr == nil {
				return nil
			}
		}

		if attempt < s.retryAttempts-1 {
			select {
			case <-time.After(s.config.RetryDelay * time.Duration(attempt+1)):
			case <-ctx.Done():
				return fmt.Errorf("failed to publish alert %s: %w", alert.AlertID, ctx.Err())
			}
		}
	}

	return fmt.Errorf("failed to publish alert after %d attempts: %w", s.retryAttempts, publishErr)
}

func (s *rabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing alert sink: %v", errs)
	}
	return nil
}
