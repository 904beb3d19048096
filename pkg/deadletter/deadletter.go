// Package deadletter records loans whose allocation failed after all retries.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/store"
	kafkago "github.com/segmentio/kafka-go"
)

// Sink accepts dead-lettered loans.
type Sink interface {
	Publish(ctx context.Context, entry models.DeadLetter) error
}

// StoreSink writes entries to the dead_letter table.
type StoreSink struct {
	store store.DeadLetters
}

func NewStoreSink(s store.DeadLetters) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Publish(ctx context.Context, entry models.DeadLetter) error {
	return s.store.InsertDeadLetter(ctx, entry)
}

// MessageWriter is the subset of *kafkago.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON keyed by loan id, so every failure of a
// loan lands on the same partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}}
}

// NewKafkaSinkWithWriter is used by tests and by callers that manage their own writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Publish(ctx context.Context, entry models.DeadLetter) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(entry.LoanID, 10)),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "track", Value: []byte(entry.Track)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish dead letter for loan %d: %w", entry.LoanID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, entry models.DeadLetter) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
