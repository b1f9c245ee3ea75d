package ledger

import (
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/batch"
)

var (
	ErrSubmissionTimeout  = errors.New("ledger submission timed out")
	ErrSubmissionRejected = errors.New("ledger rejected submission")
	ErrSubmissionFailed   = errors.New("ledger submission failed")
)

const MessageType = "energy_batch_proof"

// Receipt is the outcome of one submission attempt of a batch.
type Receipt struct {
	BatchID            string
	Success            bool
	TransactionID      string
	ConsensusTimestamp string
	// Error is the detail reported by the ledger gateway or the transport, verbatim.
	Error string
	// Err classifies a failure as one of the ErrSubmission* sentinels.
	Err         error
	SubmittedAt time.Time
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r Receipt) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("batch_id", r.BatchID)
	enc.AddBool("success", r.Success)
	if r.Success {
		enc.AddString("transaction_id", r.TransactionID)
		enc.AddString("consensus_timestamp", r.ConsensusTimestamp)
	} else {
		enc.AddString("error", r.Error)
	}
	return nil
}

type TimestampRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Envelope is what goes on the ledger for a batch: the digest and a summary,
// never the readings themselves.
type Envelope struct {
	BatchID        string         `json:"batch_id"`
	DataHash       string         `json:"data_hash"`
	DeviceCount    int            `json:"device_count"`
	ReadingCount   int            `json:"reading_count"`
	TotalEnergyKWh float64        `json:"total_energy_kwh"`
	TimestampRange TimestampRange `json:"timestamp_range"`
	ReadingsRoot   string         `json:"readings_root,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

func NewEnvelope(b *batch.Batch) Envelope {
	env := Envelope{
		BatchID:        b.ID,
		DataHash:       b.Digest,
		DeviceCount:    b.Summary.DeviceCount,
		ReadingCount:   b.Summary.ReadingCount,
		TotalEnergyKWh: b.Summary.TotalEnergyKWh,
		ReadingsRoot:   hex.EncodeToString(b.ReadingsRoot),
		CreatedAt:      b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !b.Summary.Start.IsZero() {
		env.TimestampRange = TimestampRange{
			Start: b.Summary.Start.Format(time.RFC3339Nano),
			End:   b.Summary.End.Format(time.RFC3339Nano),
		}
	}
	return env
}

type submitMetadata struct {
	BatchID string `json:"batch_id"`
	Type    string `json:"type"`
}

type submitRequest struct {
	// Message is the JSON encoded Envelope.
	Message  string         `json:"message"`
	Metadata submitMetadata `json:"metadata"`
}

type submitResponse struct {
	TransactionID      string `json:"transactionId"`
	ConsensusTimestamp string `json:"consensusTimestamp,omitempty"`
}
