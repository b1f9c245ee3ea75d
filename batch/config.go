package batch

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 1000,
		MaxBatchAge:  time.Hour,
	}
}

//nolint:lll
type Config struct {
	MaxBatchSize int           `long:"max-batch-size" description:"Close the open batch once it holds this many readings"`
	MaxBatchAge  time.Duration `long:"max-batch-age"  description:"Close a non-empty batch once its window is this old"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("max-batch-size", c.MaxBatchSize)
	enc.AddDuration("max-batch-age", c.MaxBatchAge)
	return nil
}
