package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

const stateFilename = "state.bin"

// state identifies an instance across restarts.
type state struct {
	InstanceID string
}

// saveState replaces the state file in datadir atomically.
func saveState(datadir string, s *state) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, s); err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(datadir, stateFilename), &buf); err != nil {
		return fmt.Errorf("writing state to disk: %w", err)
	}
	return nil
}

// loadState reads the persisted state, creating a new instance id on first start.
func loadState(datadir string) (*state, error) {
	data, err := os.ReadFile(filepath.Join(datadir, stateFilename)) //#nosec G304
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &state{InstanceID: uuid.NewString()}, nil
	case err != nil:
		return nil, fmt.Errorf("loading state: %w", err)
	}

	s := &state{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), s); err != nil {
		return nil, fmt.Errorf("deserializing state: %w", err)
	}
	if _, err := uuid.Parse(s.InstanceID); err != nil {
		return nil, fmt.Errorf("invalid instance id %q: %w", s.InstanceID, err)
	}
	return s, nil
}
