package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer for topic on the given brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
}

// KafkaPublisher emits signals as JSON messages keyed by order id.
type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

type signalMessage struct {
	Type       string        `json:"type"`
	OrderID    int64         `json:"order_id"`
	RecordType string        `json:"record_type"`
	Status     string        `json:"status"`
	DetectedAt time.Time     `json:"detected_at"`
	Items      []signalEntry `json:"items"`
}

type signalEntry struct {
	TicketID   int64  `json:"ticket_id"`
	TicketName string `json:"ticket_name"`
	ItemType   string `json:"item_type"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
}

// EventTypeInsufficientStock is the message type header value.
const EventTypeInsufficientStock = "inventory.insufficient_stock"

// Publish writes sig to the topic with the trace context in the headers.
func (p *KafkaPublisher) Publish(ctx context.Context, sig InsufficientStock) error {
	msg := signalMessage{
		Type:       EventTypeInsufficientStock,
		OrderID:    sig.Order.ID,
		RecordType: sig.Order.RecordType,
		Status:     sig.Order.Status,
		DetectedAt: sig.DetectedAt.UTC(),
	}
	for _, it := range sig.Items {
		msg.Items = append(msg.Items, signalEntry{
			TicketID:   it.TicketID,
			TicketName: it.TicketName,
			ItemType:   it.Item.Type,
			Requested:  it.Requested,
			Available:  it.Available,
		})
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	carrier := headerCarrier{{Key: "event_type", Value: []byte(EventTypeInsufficientStock)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatInt(sig.Order.ID, 10)),
		Value:   value,
		Headers: carrier,
	})
	if err != nil {
		return fmt.Errorf("writing signal to kafka: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// headerCarrier adapts kafka headers to a propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
