package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"payout-security-api/internal/config"
)

type kafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(cfg config.KafkaConfig) (AlertSink, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) AlertSink {
	return &kafkaSink{producer: producer, topic: topic}
}

// Publish keys messages by subject so one driver's alerts stay ordered.
func (s *kafkaSink) Publish(_ context.Context, alert *ComplianceAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(alert.Subject),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(alert.EventType)},
			{Key: []byte("severity"), Value: []byte(alert.Severity)},
		},
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send alert to topic %s: %w", s.topic, err)
	}
	return nil
}

func (s *kafkaSink) Close() error {
	return s.producer.Close()
}
