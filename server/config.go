package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/api"
	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/broadcaster"
	"github.com/spacemeshos/meterproof/ingest"
	"github.com/spacemeshos/meterproof/ledger"
	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/pipeline"
	"github.com/spacemeshos/meterproof/publish"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultRESTPort       = 8000

	defaultJournalFlushInterval = time.Microsecond
	defaultMaxJournalBatchSize  = 1000
	defaultAnchorCacheSize      = 256
)

// Config defines the configuration options of meterproof.
//
//nolint:lll
type Config struct {
	Dir             string  `long:"dir"            description:"The base directory that contains data, logs, configuration file, etc."`
	ConfigFile      string  `long:"configfile"     description:"Path to configuration file"                                                   short:"c"`
	DataDir         string  `long:"datadir"        description:"The directory to store data within."                                          short:"b"`
	DbDir           string  `long:"dbdir"          description:"The directory to store the database within"`
	LogDir          string  `long:"logdir"         description:"Directory to log output."`
	DebugLog        bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog         bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles     int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize  int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawRESTListener string  `long:"restlisten"     description:"The interface/port/socket to listen for REST connections"                     short:"w"`
	MetricsPort     *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	JournalFlushInterval time.Duration `long:"journal-flush-interval" description:"How long journal appends are collected before being written together"`
	MaxJournalBatchSize  int           `long:"max-journal-batch-size" description:"The maximum number of journal appends written together"`
	AnchorCacheSize      int           `long:"anchor-cache-size"      description:"The number of proof anchors cached in memory"`

	Batch     batch.Config         `group:"Batch"`
	Ledger    ledger.Config        `group:"Ledger"`
	Reconcile pipeline.Config      `group:"Reconcile"`
	Devices   ingest.TrackerConfig `group:"Devices"`
	MQTT      ingest.MQTTConfig    `group:"MQTT"`
	Kafka     publish.Config       `group:"Kafka"`
	Live      broadcaster.Config   `group:"Live"`
	API       api.Config           `group:"API"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	dir := "./meterproof"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		dir = filepath.Join(cacheDir, "meterproof")
	}

	return &Config{
		Dir:                  dir,
		DataDir:              filepath.Join(dir, defaultDataDirname),
		DbDir:                filepath.Join(dir, defaultDbDirName),
		LogDir:               filepath.Join(dir, defaultLogDirname),
		MaxLogFiles:          defaultMaxLogFiles,
		MaxLogFileSize:       defaultMaxLogFileSize,
		RawRESTListener:      fmt.Sprintf("localhost:%d", defaultRESTPort),
		JournalFlushInterval: defaultJournalFlushInterval,
		MaxJournalBatchSize:  defaultMaxJournalBatchSize,
		AnchorCacheSize:      defaultAnchorCacheSize,
		Batch:                batch.DefaultConfig(),
		Ledger:               ledger.DefaultConfig(),
		Reconcile:            pipeline.DefaultConfig(),
		Devices:              ingest.DefaultTrackerConfig(),
		MQTT:                 ingest.DefaultMQTTConfig(),
		Kafka:                publish.DefaultConfig(),
		Live:                 broadcaster.DefaultConfig(),
		API:                  api.DefaultConfig(),
	}
}

// implement zap.ObjectMarshaler interface.
func (c *Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("dir", c.Dir)
	enc.AddString("datadir", c.DataDir)
	enc.AddString("dbdir", c.DbDir)
	enc.AddString("restlisten", c.RawRESTListener)
	if err := enc.AddObject("batch", c.Batch); err != nil {
		return err
	}
	if err := enc.AddObject("ledger", c.Ledger); err != nil {
		return err
	}
	if err := enc.AddObject("reconcile", c.Reconcile); err != nil {
		return err
	}
	if err := enc.AddObject("devices", c.Devices); err != nil {
		return err
	}
	if c.MQTT.Enabled() {
		if err := enc.AddObject("mqtt", c.MQTT); err != nil {
			return err
		}
	}
	if c.Kafka.Enabled() {
		if err := enc.AddObject("kafka", c.Kafka); err != nil {
			return err
		}
	}
	if err := enc.AddObject("live", c.Live); err != nil {
		return err
	}
	return enc.AddObject("api", c.API)
}

// Validate checks the settings no component can run with.
func (c *Config) Validate() error {
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("max-batch-size must be positive, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxBatchAge <= 0 {
		return fmt.Errorf("max-batch-age must be positive, got %v", c.Batch.MaxBatchAge)
	}
	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger-url must be set")
	}
	if c.Ledger.SubmitTimeout <= 0 {
		return fmt.Errorf("ledger-submit-timeout must be positive, got %v", c.Ledger.SubmitTimeout)
	}
	if c.Ledger.QueryTimeout <= 0 {
		return fmt.Errorf("ledger-query-timeout must be positive, got %v", c.Ledger.QueryTimeout)
	}
	if c.Reconcile.CheckInterval <= 0 || c.Reconcile.RetryInterval <= 0 {
		return fmt.Errorf("check-interval and retry-interval must be positive")
	}
	if c.Live.MaxViewers < 0 || c.Live.Backlog <= 0 || c.Live.SnapshotInterval <= 0 {
		return fmt.Errorf("live feed needs a positive backlog and snapshot interval")
	}
	if c.Reconcile.RetryBatchLimit <= 0 {
		return fmt.Errorf("retry-batch-limit must be positive, got %d", c.Reconcile.RetryBatchLimit)
	}
	return nil
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the base directory is not the default, the paths living within it follow it.
	defaultCfg := DefaultConfig()
	if cfg.Dir != defaultCfg.Dir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.Dir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.Dir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.Dir, defaultDbDirName)
		}
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.Dir, err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
