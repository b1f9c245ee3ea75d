package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadingNonExistingConfigFile(t *testing.T) {
	cfg := Config{
		ConfigFile: "non-existing-file",
	}
	_, err := ReadConfigFile(&cfg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConfigFile = filepath.Join(dir, "config.ini")
	ini := `datadir = /tmp

[Batch]
max-batch-size = 3
max-batch-age = 61s

[Ledger]
ledger-url = http://gateway:3001

[MQTT]
mqtt-broker = tcp://broker:1883

[Kafka]
kafka-broker = kafka-1:9092
kafka-broker = kafka-2:9092

[Live]
live-max-viewers = 5
`
	require.NoError(t, os.WriteFile(cfg.ConfigFile, []byte(ini), 0o600))

	cfg, err := ReadConfigFile(cfg)
	require.NoError(t, err)
	require.Equal(t, "/tmp", cfg.DataDir)
	require.Equal(t, 3, cfg.Batch.MaxBatchSize)
	require.Equal(t, 61*time.Second, cfg.Batch.MaxBatchAge)
	require.Equal(t, "http://gateway:3001", cfg.Ledger.URL)
	require.True(t, cfg.MQTT.Enabled())
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 5, cfg.Live.MaxViewers)
	require.NoError(t, cfg.Validate())
}

func TestReadConfigFilePathNotSet(t *testing.T) {
	cfg, err := ReadConfigFile(&Config{})
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestSetupConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom")
	cfg := DefaultConfig()
	cfg.Dir = dir

	cfg, err := SetupConfig(cfg)
	require.NoError(t, err)
	require.DirExists(t, dir)
	require.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "db"), cfg.DbDir)
	require.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir)
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("METERPROOF_TEST_DIR", "/var/lib")
	require.Equal(t, "/var/lib/meterproof", cleanAndExpandPath("$METERPROOF_TEST_DIR/meterproof/"))
	require.Equal(t, "", cleanAndExpandPath(""))

	expanded := cleanAndExpandPath("~/data")
	require.NotContains(t, expanded, "~")
	require.True(t, filepath.IsAbs(expanded))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Batch.MaxBatchSize = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Ledger.URL = ""
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Reconcile.RetryBatchLimit = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Live.Backlog = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Ledger.SubmitTimeout = 0
	require.ErrorContains(t, cfg.Validate(), "ledger-submit-timeout")

	cfg = DefaultConfig()
	cfg.Ledger.QueryTimeout = -time.Second
	require.ErrorContains(t, cfg.Validate(), "ledger-query-timeout")
}
