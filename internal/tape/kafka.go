package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// KafkaConfig configures the tape topic.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// RetryBackoff is the pause before retrying a message whose handling
	// failed.
	RetryBackoff time.Duration
}

// Handler processes decoded tape entries.
type Handler interface {
	Ingest(ctx context.Context, entries []domain.TradeTapeEntry) (Result, error)
}

// KafkaFeed consumes the trade tape topic with a consumer group. Offsets are
// committed only after the handler has stored a message, so a crash
// redelivers rather than loses trades.
type KafkaFeed struct {
	reader  *kafka.Reader
	backoff time.Duration
	logger  *slog.Logger
}

// NewKafkaFeed creates a consumer for cfg.
func NewKafkaFeed(cfg KafkaConfig, logger *slog.Logger) *KafkaFeed {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &KafkaFeed{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		}),
		backoff: cfg.RetryBackoff,
		logger:  logger.With(slog.String("component", "tape_feed"), slog.String("topic", cfg.Topic)),
	}
}

// Run feeds messages to h until ctx is done.
func (f *KafkaFeed) Run(ctx context.Context, h Handler) error {
	f.logger.Info("tape feed started")
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tape: fetch: %w", err)
		}

		entry, err := DecodeEntry(msg.Value)
		if err != nil {
			// A malformed message can never succeed; skip past it.
			f.logger.Warn("skipping malformed tape message",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if err := f.handle(ctx, h, entry); err != nil {
			return err
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tape: commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle retries storage failures until they succeed or ctx ends.
func (f *KafkaFeed) handle(ctx context.Context, h Handler, entry domain.TradeTapeEntry) error {
	for {
		_, err := h.Ingest(ctx, []domain.TradeTapeEntry{entry})
		if err == nil {
			return nil
		}
		f.logger.Warn("tape ingest failed, retrying",
			slog.String("trade_id", entry.ID),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff):
		}
	}
}

// Close closes the reader.
func (f *KafkaFeed) Close() error {
	return f.reader.Close()
}

// DecodeEntry parses one JSON tape record.
func DecodeEntry(data []byte) (domain.TradeTapeEntry, error) {
	var e domain.TradeTapeEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.TradeTapeEntry{}, fmt.Errorf("tape: decode: %v: %w", err, domain.ErrMalformedRecord)
	}
	if err := e.Validate(); err != nil {
		return domain.TradeTapeEntry{}, fmt.Errorf("tape: decode: %w", err)
	}
	return e, nil
}

// KafkaProducer appends entries to the tape topic. The admin surface uses it
// to inject trades when the exchange is wired to Kafka.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a synchronous producer for topic.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Append writes entries keyed by market so each market stays ordered within
// one partition.
func (p *KafkaProducer) Append(ctx context.Context, entries []domain.TradeTapeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("tape: append: %w", err)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("tape: append: marshal %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.MarketID), Value: data})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		var werr kafka.WriteErrors
		if errors.As(err, &werr) {
			return fmt.Errorf("tape: append: %d of %d failed: %w", werr.Count(), len(msgs), err)
		}
		return fmt.Errorf("tape: append: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
