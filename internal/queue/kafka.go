package queue

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/sirupsen/logrus"
)

// KafkaQueue publishes board save events to a kafka topic.
type KafkaQueue struct {
	producer *kafka.Producer
}

func NewKafkaQueue(brokers string) (*KafkaQueue, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return nil, err
	}

	q := &KafkaQueue{producer: producer}
	go q.drainEvents()

	return q, nil
}

func (q *KafkaQueue) PublishSaved(ctx context.Context, event SavedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return q.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &BoardSavedTopic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.BoardID),
		Value: payload,
	}, nil)
}

func (q *KafkaQueue) Close() {
	q.producer.Flush(5000)
	q.producer.Close()
}

// drainEvents logs delivery failures. Saves are already durable in the
// database, so a lost event is reported but not retried.
func (q *KafkaQueue) drainEvents() {
	for e := range q.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			logrus.Errorf("failed to deliver board saved event: %v", m.TopicPartition.Error)
		}
	}
}
