package pipeline

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		CheckInterval:   10 * time.Second,
		RetryInterval:   time.Minute,
		RetryBatchLimit: 10,
	}
}

//nolint:lll
type Config struct {
	CheckInterval   time.Duration `long:"check-interval"    description:"How often the age of the open batch is checked"`
	RetryInterval   time.Duration `long:"retry-interval"    description:"How often pending batches are resubmitted to the ledger"`
	RetryBatchLimit int           `long:"retry-batch-limit" description:"The maximum number of pending batches resubmitted at once"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("check-interval", c.CheckInterval)
	enc.AddDuration("retry-interval", c.RetryInterval)
	enc.AddInt("retry-batch-limit", c.RetryBatchLimit)
	return nil
}
