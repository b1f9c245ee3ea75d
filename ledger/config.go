package ledger

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		URL:           "http://localhost:3001",
		SubmitTimeout: 30 * time.Second,
		QueryTimeout:  10 * time.Second,
		QueryRetries:  3,
	}
}

//nolint:lll
type Config struct {
	URL           string        `long:"ledger-url"            description:"Base URL of the consensus service gateway"`
	SubmitTimeout time.Duration `long:"ledger-submit-timeout" description:"Deadline of a single submission attempt"`
	QueryTimeout  time.Duration `long:"ledger-query-timeout"  description:"Deadline of verification and health queries"`
	QueryRetries  int           `long:"ledger-query-retries"  description:"How many times verification and health queries are retried"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("url", c.URL)
	enc.AddDuration("submit-timeout", c.SubmitTimeout)
	enc.AddDuration("query-timeout", c.QueryTimeout)
	enc.AddInt("query-retries", c.QueryRetries)
	return nil
}
