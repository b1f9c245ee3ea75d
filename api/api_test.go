package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/meterproof/api"
	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/broadcaster"
	"github.com/spacemeshos/meterproof/ingest"
	"github.com/spacemeshos/meterproof/ledger/mocks"
	"github.com/spacemeshos/meterproof/pipeline"
	"github.com/spacemeshos/meterproof/store"
)

type closingIngester struct {
	every int
	count int
}

func (c *closingIngester) Ingest(context.Context, batch.Reading) (bool, error) {
	c.count++
	return c.count%c.every == 0, nil
}

type fakeQueue struct {
	pending  []*store.PendingBatch
	inflight map[string]bool
	retried  []string
}

func (q *fakeQueue) Pending(context.Context) ([]*store.PendingBatch, error) {
	return q.pending, nil
}

func (q *fakeQueue) find(batchID string) int {
	for i, p := range q.pending {
		if p.Batch.ID == batchID {
			return i
		}
	}
	return -1
}

func (q *fakeQueue) Retry(_ context.Context, batchID string) error {
	if q.find(batchID) < 0 {
		return store.ErrNotFound
	}
	if q.inflight[batchID] {
		return pipeline.ErrInFlight
	}
	q.retried = append(q.retried, batchID)
	return nil
}

func (q *fakeQueue) Discard(_ context.Context, batchID string) error {
	i := q.find(batchID)
	if i < 0 {
		return store.ErrNotFound
	}
	if q.inflight[batchID] {
		return pipeline.ErrInFlight
	}
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	return nil
}

func (q *fakeQueue) OpenWindow() int { return 2 }
func (q *fakeQueue) InFlight() int   { return len(q.inflight) }

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	ledger *mocks.MockSubmitter
	queue  *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	service, err := ingest.NewService(&closingIngester{every: 2})
	require.NoError(t, err)

	l := mocks.NewMockSubmitter(gomock.NewController(t))
	q := &fakeQueue{inflight: map[string]bool{}}
	srv := api.New(api.DefaultConfig(), service, service.Tracker(), s, l, q)

	ts := httptest.NewServer(srv.Handler(zaptest.NewLogger(t)))
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: s, ledger: l, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func closedBatch(t *testing.T, readings ...batch.Reading) *batch.Batch {
	t.Helper()
	acc := batch.NewAccumulator(batch.DefaultConfig())
	for _, r := range readings {
		acc.Add(r)
	}
	b, err := acc.CloseAndReset()
	require.NoError(t, err)
	return b
}

func anchored(t *testing.T, s *store.Store, txID string, readings ...batch.Reading) *store.Anchor {
	t.Helper()
	b := closedBatch(t, readings...)
	anchor := &store.Anchor{
		BatchID:            b.ID,
		TransactionID:      txID,
		ConsensusTimestamp: "1714557600.000000001",
		Digest:             b.Digest,
		Metadata:           store.MetadataOf(b.Summary),
		CreatedAt:          b.CreatedAt,
	}
	require.NoError(t, s.SaveAnchor(context.Background(), anchor, b.Readings))
	return anchor
}

func reading(device string, power float64) batch.Reading {
	return batch.Reading{
		"device_id": device,
		"current":   1.0,
		"voltage":   230.0,
		"power":     power,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestIngestReading(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/energy-data", map[string]any{
		"device_id": "A", "current": 1.5, "voltage": 230, "power": 345,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "success", body["status"])
	require.Equal(t, "A", body["device_id"])
	require.Equal(t, 345.0, body["power"])
	require.Equal(t, false, body["batch_closed"])
	require.NotEmpty(t, body["server_time"])

	_, body = env.do(t, http.MethodPost, "/api/energy-data", map[string]any{
		"device_id": "B", "current": 1.5, "voltage": 230, "power": 10,
	})
	require.Equal(t, true, body["batch_closed"])

	t.Run("missing fields", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/energy-data", map[string]any{"device_id": "A", "power": 1})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.ElementsMatch(t, []any{"current", "voltage"}, body["missing_fields"])
		require.Contains(t, body["error"], "missing required fields")
	})
	t.Run("malformed body", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/energy-data", `{"device_id":`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("latest readings", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/latest-readings", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.EqualValues(t, 2, body["count"])
		require.Contains(t, body["readings"], "A")
	})
	t.Run("readings history", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/readings-history?limit=1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		readings := body["readings"].([]any)
		require.Len(t, readings, 1)
		require.Equal(t, "B", readings[0].(map[string]any)["device_id"])
	})
}

func TestProofs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	first := anchored(t, env.store, "0.0.1@1", reading("A", 1), reading("B", 2))
	second := anchored(t, env.store, "0.0.1@2", reading("A", 3))

	t.Run("list newest first", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/proofs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.EqualValues(t, 2, body["total"])
		proofs := body["proofs"].([]any)
		require.Equal(t, second.BatchID, proofs[0].(map[string]any)["batch_id"])

		_, body = env.do(t, http.MethodGet, "/api/proofs?limit=1", nil)
		require.EqualValues(t, 1, body["total"])
	})
	t.Run("invalid limit", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/proofs?limit=-3", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("get by batch id", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/proofs/"+first.BatchID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, first.Digest, body["data_hash"])
		require.Equal(t, "0.0.1@1", body["transaction_id"])
		require.EqualValues(t, 2, body["reading_count"])
		require.Equal(t, "https://hashscan.io/testnet/transaction/0.0.1@1", body["verification_url"])
		metadata := body["batch_metadata"].(map[string]any)
		require.EqualValues(t, 2, metadata["device_count"])
		require.NotContains(t, body, "readings")
	})
	t.Run("get with contents", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/proofs/"+first.BatchID+"?contents=true", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		readings := body["readings"].([]any)
		require.Len(t, readings, 2)
		require.Equal(t, "A", readings[0].(map[string]any)["device_id"])
		require.Equal(t, "B", readings[1].(map[string]any)["device_id"])
	})
	t.Run("unknown batch", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/proofs/nope", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
	t.Run("device readings", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/devices/A/readings", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.EqualValues(t, 2, body["count"])

		_, body = env.do(t, http.MethodGet, "/api/devices/C/readings", nil)
		require.EqualValues(t, 0, body["count"])
		require.Empty(t, body["readings"])
	})
}

func TestVerifyProof(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	anchor := anchored(t, env.store, "0.0.1@1", reading("A", 1))

	t.Run("anchored transaction", func(t *testing.T) {
		env.ledger.EXPECT().Verify(gomock.Any(), anchor.Digest, "0.0.1@1").Return(true)
		resp, body := env.do(t, http.MethodGet, "/api/proofs/verify/0.0.1@1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, body["verified"])
		require.Equal(t, anchor.BatchID, body["batch_id"])
		require.Equal(t, anchor.Digest, body["data_hash"])
		require.NotContains(t, body, "note")
	})
	t.Run("unknown transaction", func(t *testing.T) {
		env.ledger.EXPECT().Verify(gomock.Any(), "", "0.0.1@9").Return(false)
		resp, body := env.do(t, http.MethodGet, "/api/proofs/verify/0.0.1@9", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, false, body["verified"])
		require.NotContains(t, body, "batch_id")
		require.NotEmpty(t, body["note"])
	})
}

func TestPendingBatches(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	first := closedBatch(t, reading("A", 1))
	second := closedBatch(t, reading("B", 2), reading("C", 3))
	env.queue.pending = []*store.PendingBatch{
		{Batch: first, Attempts: 2, LastError: "submission timed out", LastAttemptAt: time.Now()},
		{Batch: second},
	}
	env.queue.inflight[second.ID] = true

	resp, body := env.do(t, http.MethodGet, "/api/batches/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batches := body["batches"].([]any)
	require.Len(t, batches, 2)
	head := batches[0].(map[string]any)
	require.Equal(t, first.ID, head["batch_id"])
	require.EqualValues(t, 2, head["attempts"])
	require.Equal(t, "submission timed out", head["last_error"])
	require.NotContains(t, batches[1].(map[string]any), "last_attempt_at")

	t.Run("retry", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/batches/pending/"+first.ID+"/retry", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Equal(t, []string{first.ID}, env.queue.retried)

		resp, _ = env.do(t, http.MethodPost, "/api/batches/pending/"+second.ID+"/retry", nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		resp, _ = env.do(t, http.MethodPost, "/api/batches/pending/nope/retry", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
	t.Run("discard", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/api/batches/pending/"+second.ID, nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		resp, body := env.do(t, http.MethodDelete, "/api/batches/pending/"+first.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "discarded", body["status"])
		require.Len(t, env.queue.pending, 1)

		resp, _ = env.do(t, http.MethodDelete, "/api/batches/pending/"+first.ID, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.queue.pending = []*store.PendingBatch{{Batch: closedBatch(t, reading("A", 1))}}
	_, _ = env.do(t, http.MethodPost, "/api/energy-data", map[string]any{
		"device_id": "A", "current": 1.5, "voltage": 230, "power": 345,
	})

	env.ledger.EXPECT().Healthy(gomock.Any()).Return(true)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.EqualValues(t, 2, body["open_window_readings"])
	require.EqualValues(t, 1, body["pending_batches"])
	require.EqualValues(t, 1, body["devices_online"])

	env.ledger.EXPECT().Healthy(gomock.Any()).Return(false)
	_, body = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, false, body["ledger_healthy"])
}

func TestStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 0, body["anchored_readings"])
	require.EqualValues(t, 0, body["unique_devices"])

	anchored(t, env.store, "0.0.1@1", reading("A", 1), reading("B", 2), reading("A", 3))
	env.queue.pending = []*store.PendingBatch{{Batch: closedBatch(t, reading("C", 1))}}
	_, _ = env.do(t, http.MethodPost, "/api/energy-data", map[string]any{
		"device_id": "D", "current": 1.5, "voltage": 230, "power": 345,
	})

	resp, body = env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["anchored_batches"])
	require.EqualValues(t, 3, body["anchored_readings"])
	require.EqualValues(t, 2, body["unique_devices"])
	require.EqualValues(t, 2, body["open_window_readings"])
	require.EqualValues(t, 1, body["pending_batches"])
	require.Contains(t, body["latest_readings"], "D")
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	resp, err := env.server.Client().Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(out), "go_goroutines")
}

func TestLiveFeed(t *testing.T) {
	t.Parallel()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	tracker, err := ingest.NewTracker(ingest.DefaultTrackerConfig(), clock.New())
	require.NoError(t, err)
	live := broadcaster.New(broadcaster.DefaultConfig(), tracker)
	service, err := ingest.NewService(
		&closingIngester{every: 10},
		ingest.WithTracker(tracker),
		ingest.WithListener(live),
	)
	require.NoError(t, err)
	srv := api.New(
		api.DefaultConfig(), service, tracker, s,
		mocks.NewMockSubmitter(gomock.NewController(t)),
		&fakeQueue{inflight: map[string]bool{}},
		api.WithLiveFeed(live),
	)
	ts := httptest.NewServer(srv.Handler(zaptest.NewLogger(t)))
	t.Cleanup(ts.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg broadcaster.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, broadcaster.TypeSnapshot, msg.Type)

	env := &testEnv{server: ts}
	resp, _ = env.do(t, http.MethodPost, "/api/energy-data", reading("SIM_007", 42.5))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, broadcaster.TypeReading, msg.Type)
	data := msg.Data.(map[string]any)
	require.Equal(t, "SIM_007", data["device_id"])
	require.Contains(t, data, ingest.FieldServerReceivedAt)
}
