// Package publish sends finished verification reports to Kafka for
// downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/lox/wandiskill/internal/verify"
)

// Publisher delivers reports to a message bus.
type Publisher interface {
	Publish(ctx context.Context, reports ...*verify.Report) error
	Close() error
}

// Kafka publishes reports to a single topic, keyed by series.
type Kafka struct {
	writer         *kafkago.Writer
	maxElapsedTime time.Duration
}

// NewKafka creates a producer for topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Kafka{writer: w, maxElapsedTime: 30 * time.Second}
}

// Publish writes all reports in one batch, retrying transient failures.
func (k *Kafka) Publish(ctx context.Context, reports ...*verify.Report) error {
	if len(reports) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(reports))
	for i, r := range reports {
		msg, err := serializeToMessage(r)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	operation := func() error {
		err := k.writer.WriteMessages(ctx, msgs...)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = k.maxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("publish %d reports: %w", len(reports), err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// seriesKey routes every report of a series to the same partition.
func seriesKey(site, variable string) string {
	return site + "/" + variable
}

func serializeToMessage(r *verify.Report) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(seriesKey(r.Site, r.Variable)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "report_id", Value: []byte(r.ID)},
			{Key: "complete", Value: []byte(strconv.Itoa(r.Complete))},
			{Key: "created_at", Value: []byte(r.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
