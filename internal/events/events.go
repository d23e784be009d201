package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"posgateway/internal/domain"
)

const EventSaleCompleted = "sale.completed"

type Publisher interface {
	PublishSaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSaleCompleted(_ context.Context, _ domain.SaleCompletedEvent) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes sale events keyed by sale ID, so all events of one
// sale land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) PublishSaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.SaleID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventSaleCompleted)},
			{Key: "terminal_id", Value: []byte(event.TerminalID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	p.logger.Debug("sale event published", zap.Int64("sale_id", event.SaleID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
