// Package events publishes settled cart operations to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/cartsync/internal/engine"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Outcome is the JSON body of one event.
type Outcome struct {
	OperationID   string        `json:"operationId"`
	Seq           int64         `json:"seq"`
	CartID        string        `json:"cartId,omitempty"`
	Kind          string        `json:"kind"`
	MerchandiseID string        `json:"merchandiseId"`
	Quantity      int           `json:"quantity,omitempty"`
	Status        engine.Status `json:"status"`
	RetryCount    int           `json:"retryCount"`
	Error         string        `json:"error,omitempty"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	SettledAt     time.Time     `json:"settledAt"`
}

// NewOutcome converts a settled record into an event body.
func NewOutcome(rec engine.OperationRecord) Outcome {
	return Outcome{
		OperationID:   rec.ID,
		Seq:           rec.Seq,
		CartID:        rec.CartID,
		Kind:          string(rec.Kind),
		MerchandiseID: rec.MerchandiseID,
		Quantity:      rec.Quantity,
		Status:        rec.Status,
		RetryCount:    rec.RetryCount,
		Error:         rec.Error,
		SubmittedAt:   rec.SubmittedAt,
		SettledAt:     rec.SettledAt,
	}
}

// Writer implements engine.OutcomeSink over a Kafka topic. Messages are
// keyed by cart ID (merchandise ID before the cart exists), so one cart's
// outcomes stay on one partition in order.
type Writer struct {
	w      MessageWriter
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// NewWriter creates a writer for topic on the given brokers.
func NewWriter(brokers []string, topic string, opts ...Option) *Writer {
	return NewWriterWith(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}, opts...)
}

// NewWriterWith wraps an existing message writer.
func NewWriterWith(mw MessageWriter, opts ...Option) *Writer {
	w := &Writer{w: mw, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PublishOutcome implements engine.OutcomeSink.
func (w *Writer) PublishOutcome(ctx context.Context, rec engine.OperationRecord) error {
	body, err := json.Marshal(NewOutcome(rec))
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	key := rec.CartID
	if key == "" {
		key = rec.MerchandiseID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "status", Value: []byte(rec.Status)},
		},
	}
	if err := w.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write outcome %s: %w", rec.ID, err)
	}
	w.logger.Debug("outcome published", "op_id", rec.ID, "status", rec.Status)
	return nil
}

// Close flushes and closes the underlying writer.
func (w *Writer) Close() error {
	return w.w.Close()
}
