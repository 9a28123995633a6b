package updates

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/config"
)

// Kind names a committed change.
type Kind string

const (
	ChatCreated    Kind = "chat_created"
	GroupCreated   Kind = "group_created"
	GroupUpdated   Kind = "group_updated"
	MemberRemoved  Kind = "member_removed"
	ChatDeleted    Kind = "chat_deleted"
	MessageSent    Kind = "message_sent"
	MessageEdited  Kind = "message_edited"
	MessageDeleted Kind = "message_deleted"
)

// Update is one committed change to a chat, published after it is stored.
type Update struct {
	Kind      Kind        `json:"kind"`
	ChatID    uint        `json:"chat_id"`
	Audience  []uint      `json:"audience,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher ships updates to downstream consumers. Publish is called while a
// chat's lock is held and must not wait on the network.
type Publisher interface {
	Publish(ctx context.Context, update Update) error
	Close() error
}

// Noop discards every update.
type Noop struct{}

func (Noop) Publish(context.Context, Update) error { return nil }
func (Noop) Close() error                          { return nil }

// KafkaPublisher writes updates to a topic keyed by chat id, so every update
// of one chat lands on the same partition in commit order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish encodes update as JSON and sends it synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, update Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(update.ChatID), 10)),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NewSyncProducer dials the configured brokers.
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	sc := sarama.NewConfig()
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Timeout = 10 * time.Second
	sc.Producer.Return.Successes = true
	return sarama.NewSyncProducer(cfg.Brokers, sc)
}

// New returns a queued Kafka publisher when brokers are configured and Noop
// otherwise.
func New(cfg config.KafkaConfig, log *logrus.Entry) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		log.Info("update stream disabled")
		return Noop{}, nil
	}
	producer, err := NewSyncProducer(cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"queue":   cfg.QueueSize,
	}).Info("update stream enabled")
	return NewQueue(NewKafkaPublisher(producer, cfg.Topic), cfg.QueueSize, log), nil
}
