package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/ingest"
	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/pipeline"
	"github.com/spacemeshos/meterproof/store"
)

const maxPayloadSize = 1 << 20

type errorResponse struct {
	Error         string   `json:"error"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var missing *ingest.MissingFieldsError
	if errors.As(err, &missing) {
		resp.MissingFields = missing.Fields
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, r, status, resp)
}

// statusOf maps domain errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMissingFields), errors.Is(err, ingest.ErrInvalidReading):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) limit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return s.cfg.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return limit, nil
}

func (s *Server) verificationURL(transactionID string) string {
	return s.cfg.ExplorerURL + transactionID
}

type ingestResponse struct {
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	ServerTime  time.Time `json:"server_time"`
	DeviceID    string    `json:"device_id"`
	Power       any       `json:"power"`
	BatchClosed bool      `json:"batch_closed"`
}

func (s *Server) ingestReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: %v", ingest.ErrInvalidReading, err))
		return
	}

	result, err := s.accepter.Accept(r.Context(), payload)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, ingestResponse{
		Status:      "success",
		Message:     "reading received",
		ServerTime:  result.ServerTime.UTC(),
		DeviceID:    result.Reading.DeviceID(),
		Power:       result.Reading["power"],
		BatchClosed: result.BatchClosed,
	})
}

func (s *Server) latestReadings(w http.ResponseWriter, r *http.Request) {
	latest := s.devices.Latest()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"readings": latest,
		"count":    len(latest),
	})
}

func (s *Server) readingsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := s.limit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	history := s.devices.History(limit)
	if history == nil {
		history = []batch.Reading{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"readings": history,
		"count":    len(history),
	})
}

type statsResponse struct {
	store.Totals
	OpenWindow     int                      `json:"open_window_readings"`
	PendingBatches int                      `json:"pending_batches"`
	LatestReadings map[string]batch.Reading `json:"latest_readings"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.proofs.Totals(r.Context())
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, statsResponse{
		Totals:         *totals,
		OpenWindow:     s.queue.OpenWindow(),
		PendingBatches: len(pending),
		LatestReadings: s.devices.Latest(),
	})
}

type proofResponse struct {
	*store.Anchor
	ReadingCount    int             `json:"reading_count"`
	VerificationURL string          `json:"verification_url"`
	Readings        []batch.Reading `json:"readings,omitempty"`
}

func (s *Server) listProofs(w http.ResponseWriter, r *http.Request) {
	limit, err := s.limit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	anchors, err := s.proofs.ListAnchors(r.Context(), limit)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	proofs := make([]proofResponse, 0, len(anchors))
	for _, a := range anchors {
		proofs = append(proofs, proofResponse{
			Anchor:          a,
			ReadingCount:    a.Metadata.ReadingCount,
			VerificationURL: s.verificationURL(a.TransactionID),
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"proofs": proofs,
		"total":  len(proofs),
	})
}

func (s *Server) getProof(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	anchor, err := s.proofs.GetAnchor(r.Context(), batchID)
	if err != nil {
		writeError(w, r, statusOf(err), fmt.Errorf("proof of batch %s: %w", batchID, err))
		return
	}
	contents, err := s.proofs.BatchContents(r.Context(), batchID)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	resp := proofResponse{
		Anchor:          anchor,
		ReadingCount:    len(contents),
		VerificationURL: s.verificationURL(anchor.TransactionID),
	}
	// Readings in batch order let clients recompute the digest.
	if r.URL.Query().Get("contents") == "true" {
		resp.Readings = make([]batch.Reading, 0, len(contents))
		for _, c := range contents {
			resp.Readings = append(resp.Readings, c.Reading)
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type verifyResponse struct {
	TransactionID      string `json:"transaction_id"`
	BatchID            string `json:"batch_id,omitempty"`
	DataHash           string `json:"data_hash,omitempty"`
	ConsensusTimestamp string `json:"consensus_timestamp,omitempty"`
	Verified           bool   `json:"verified"`
	Note               string `json:"note,omitempty"`
	VerificationURL    string `json:"verification_url"`
}

func (s *Server) verifyProof(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transaction_id"]
	resp := verifyResponse{
		TransactionID:   transactionID,
		VerificationURL: s.verificationURL(transactionID),
	}

	anchor, err := s.proofs.AnchorByTransaction(r.Context(), transactionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		resp.Verified = s.ledger.Verify(r.Context(), "", transactionID)
		resp.Note = "transaction is not anchored by this node"
	case err != nil:
		writeError(w, r, statusOf(err), err)
		return
	default:
		resp.BatchID = anchor.BatchID
		resp.DataHash = anchor.Digest
		resp.ConsensusTimestamp = anchor.ConsensusTimestamp
		resp.Verified = s.ledger.Verify(r.Context(), anchor.Digest, transactionID)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) deviceReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit, err := s.limit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	contents, err := s.proofs.DeviceContents(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	if contents == nil {
		contents = []store.Content{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"readings":  contents,
		"count":     len(contents),
	})
}

type pendingResponse struct {
	BatchID       string     `json:"batch_id"`
	Digest        string     `json:"data_hash"`
	ReadingCount  int        `json:"reading_count"`
	DeviceCount   int        `json:"device_count"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	batches := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		resp := pendingResponse{
			BatchID:      p.Batch.ID,
			Digest:       p.Batch.Digest,
			ReadingCount: p.Batch.Summary.ReadingCount,
			DeviceCount:  p.Batch.Summary.DeviceCount,
			CreatedAt:    p.Batch.CreatedAt,
			Attempts:     p.Attempts,
			LastError:    p.LastError,
		}
		if !p.LastAttemptAt.IsZero() {
			at := p.LastAttemptAt
			resp.LastAttemptAt = &at
		}
		batches = append(batches, resp)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"batches": batches,
		"total":   len(batches),
	})
}

func (s *Server) retryPending(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	if err := s.queue.Retry(r.Context(), batchID); err != nil {
		writeError(w, r, statusOf(err), fmt.Errorf("retrying batch %s: %w", batchID, err))
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "resubmitted", "batch_id": batchID})
}

func (s *Server) discardPending(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	if err := s.queue.Discard(r.Context(), batchID); err != nil {
		writeError(w, r, statusOf(err), fmt.Errorf("discarding batch %s: %w", batchID, err))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "discarded", "batch_id": batchID})
}

type healthResponse struct {
	Status         string    `json:"status"`
	ServerTime     time.Time `json:"server_time"`
	LedgerHealthy  bool      `json:"ledger_healthy"`
	OpenWindow     int       `json:"open_window_readings"`
	InFlight       int       `json:"in_flight_batches"`
	PendingBatches int       `json:"pending_batches"`
	DevicesOnline  int       `json:"devices_online"`
	DevicesOffline int       `json:"devices_offline"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		ServerTime:    time.Now().UTC(),
		LedgerHealthy: s.ledger.Healthy(r.Context()),
		OpenWindow:    s.queue.OpenWindow(),
		InFlight:      s.queue.InFlight(),
	}
	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	resp.PendingBatches = len(pending)
	online, offline := s.devices.Devices()
	resp.DevicesOnline = len(online)
	resp.DevicesOffline = len(offline)
	if !resp.LedgerHealthy {
		resp.Status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, resp)
}
