// Package api serves the REST interface: reading ingestion, proof lookup and
// verification, the pending batch queue and health.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/ingest"
	"github.com/spacemeshos/meterproof/store"
)

// Accepter turns raw payloads into ingested readings.
type Accepter interface {
	Accept(ctx context.Context, payload map[string]any) (*ingest.Result, error)
}

// Devices is the live view of recently seen devices.
type Devices interface {
	Latest() map[string]batch.Reading
	History(limit int) []batch.Reading
	Devices() (online, offline []string)
}

// Proofs reads anchored batches.
type Proofs interface {
	GetAnchor(ctx context.Context, batchID string) (*store.Anchor, error)
	AnchorByTransaction(ctx context.Context, transactionID string) (*store.Anchor, error)
	ListAnchors(ctx context.Context, limit int) ([]*store.Anchor, error)
	BatchContents(ctx context.Context, batchID string) ([]store.Content, error)
	DeviceContents(ctx context.Context, deviceID string, limit int) ([]store.Content, error)
	Totals(ctx context.Context) (*store.Totals, error)
}

// Ledger checks proofs against the ledger.
type Ledger interface {
	Verify(ctx context.Context, digest, transactionID string) bool
	Healthy(ctx context.Context) bool
}

// Queue operates the batches closed but not yet anchored.
type Queue interface {
	Pending(ctx context.Context) ([]*store.PendingBatch, error)
	Retry(ctx context.Context, batchID string) error
	Discard(ctx context.Context, batchID string) error
	OpenWindow() int
	InFlight() int
}

type Server struct {
	cfg      Config
	accepter Accepter
	devices  Devices
	proofs   Proofs
	ledger   Ledger
	queue    Queue
	live     http.Handler
}

type OptionFunc func(*Server)

// WithLiveFeed serves h on /ws.
func WithLiveFeed(h http.Handler) OptionFunc {
	return func(s *Server) {
		s.live = h
	}
}

func New(cfg Config, accepter Accepter, devices Devices, proofs Proofs, l Ledger, queue Queue, opts ...OptionFunc) *Server {
	s := &Server{
		cfg:      cfg,
		accepter: accepter,
		devices:  devices,
		proofs:   proofs,
		ledger:   l,
		queue:    queue,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the routes with their middleware.
func (s *Server) Router(logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.live != nil {
		r.Handle("/ws", s.live).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/energy-data", s.ingestReading).Methods(http.MethodPost)
	api.HandleFunc("/latest-readings", s.latestReadings).Methods(http.MethodGet)
	api.HandleFunc("/readings-history", s.readingsHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)

	api.HandleFunc("/proofs", s.listProofs).Methods(http.MethodGet)
	api.HandleFunc("/proofs/verify/{transaction_id}", s.verifyProof).Methods(http.MethodGet)
	api.HandleFunc("/proofs/{batch_id}", s.getProof).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device_id}/readings", s.deviceReadings).Methods(http.MethodGet)

	api.HandleFunc("/batches/pending", s.listPending).Methods(http.MethodGet)
	api.HandleFunc("/batches/pending/{batch_id}/retry", s.retryPending).Methods(http.MethodPost)
	api.HandleFunc("/batches/pending/{batch_id}", s.discardPending).Methods(http.MethodDelete)
	return r
}

// Handler wraps the router with panic recovery, CORS and access logging.
func (s *Server) Handler(logger *zap.Logger) http.Handler {
	stdLogger := zap.NewStdLog(logger.Named("http"))
	var h http.Handler = s.Router(logger)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLogger))(h)
	return handlers.CombinedLoggingHandler(stdLogger.Writer(), h)
}
