// Package publish fans anchored proofs out to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/store"
)

var publishedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meterproof",
	Subsystem: "publish",
	Name:      "events_total",
	Help:      "Number of anchored proof events published by result",
}, []string{"result"})

func DefaultConfig() Config {
	return Config{
		Topic:        "meterproof.anchors",
		WriteTimeout: 10 * time.Second,
	}
}

//nolint:lll
type Config struct {
	Brokers      []string      `long:"kafka-broker"        description:"A Kafka broker address. Can be given multiple times. Publishing is disabled if none is given"`
	Topic        string        `long:"kafka-topic"         description:"The topic anchored proofs are published to"`
	WriteTimeout time.Duration `long:"kafka-write-timeout" description:"The timeout of publishing a single event"`
}

func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddArray("brokers", zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
		for _, b := range c.Brokers {
			enc.AppendString(b)
		}
		return nil
	}))
	enc.AddString("topic", c.Topic)
	enc.AddDuration("write-timeout", c.WriteTimeout)
	return nil
}

// Event is the message published for every anchored batch.
type Event struct {
	BatchID            string    `json:"batch_id"`
	TransactionID      string    `json:"transaction_id"`
	ConsensusTimestamp string    `json:"consensus_timestamp,omitempty"`
	DataHash           string    `json:"data_hash"`
	DeviceCount        int       `json:"device_count"`
	ReadingCount       int       `json:"reading_count"`
	TotalEnergyKWh     float64   `json:"total_energy_kwh"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	AnchoredAt         time.Time `json:"anchored_at"`
	Source             string    `json:"source,omitempty"`
}

func NewEvent(a *store.Anchor) Event {
	return Event{
		BatchID:            a.BatchID,
		TransactionID:      a.TransactionID,
		ConsensusTimestamp: a.ConsensusTimestamp,
		DataHash:           a.Digest,
		DeviceCount:        a.Metadata.DeviceCount,
		ReadingCount:       a.Metadata.ReadingCount,
		TotalEnergyKWh:     a.Metadata.TotalEnergyKWh,
		Start:              a.Metadata.Start,
		End:                a.Metadata.End,
		AnchoredAt:         a.CreatedAt,
	}
}

//go:generate mockgen -package mocks -destination mocks/writer.go . Writer

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  Writer
	timeout time.Duration
	source  string
}

type OptionFunc func(*Publisher)

// WithSource names the instance that anchored the published batches.
func WithSource(source string) OptionFunc {
	return func(p *Publisher) {
		p.source = source
	}
}

func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// New creates a publisher writing to w. A nil writer makes a publisher that drops events.
func New(w Writer, timeout time.Duration, opts ...OptionFunc) *Publisher {
	p := &Publisher{writer: w, timeout: timeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishAnchor writes the event of an anchored batch, keyed by batch id.
func (p *Publisher) PublishAnchor(ctx context.Context, a *store.Anchor) error {
	if p.writer == nil {
		return nil
	}
	event := NewEvent(a)
	event.Source = p.source
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event of batch %s: %w", a.BatchID, err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.BatchID),
		Value: value,
		Time:  a.CreatedAt,
	})
	if err != nil {
		publishedMetric.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing event of batch %s: %w", a.BatchID, err)
	}
	publishedMetric.WithLabelValues("ok").Inc()
	logging.FromContext(ctx).Debug("published anchored batch", zap.String("batch_id", a.BatchID))
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
