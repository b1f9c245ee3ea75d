package api

import (
	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		ExplorerURL:  "https://hashscan.io/testnet/transaction/",
		DefaultLimit: 50,
		MaxLimit:     1000,
		AllowOrigins: []string{"*"},
	}
}

//nolint:lll
type Config struct {
	ExplorerURL  string   `long:"explorer-url"  description:"The prefix of public ledger explorer links, the transaction id is appended"`
	DefaultLimit int      `long:"default-limit" description:"The number of items returned by list endpoints when no limit is given"`
	MaxLimit     int      `long:"max-limit"     description:"The maximum number of items returned by list endpoints"`
	AllowOrigins []string `long:"allow-origin"  description:"An origin allowed by CORS. Can be given multiple times"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("explorer-url", c.ExplorerURL)
	enc.AddInt("default-limit", c.DefaultLimit)
	enc.AddInt("max-limit", c.MaxLimit)
	return nil
}
