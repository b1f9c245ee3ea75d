package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

//go:generate mockgen -package mocks -destination mocks/submitter.go . Submitter

// Submitter anchors batches on the consensus service.
// Submit never fails with an error: every failure is reported in the Receipt.
type Submitter interface {
	Submit(ctx context.Context, b *batch.Batch) Receipt
	Verify(ctx context.Context, digest, transactionID string) bool
	Healthy(ctx context.Context) bool
}

var (
	submissionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterproof",
		Subsystem: "ledger",
		Name:      "submissions_total",
		Help:      "Number of batch submission attempts by result",
	}, []string{"result"})

	submitLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meterproof",
		Subsystem: "ledger",
		Name:      "submit_latency_seconds",
		Help:      "Latency of batch submission attempts",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

const (
	submitPath      = "/api/hcs/submit-message"
	transactionPath = "/api/hcs/transaction"
	healthPath      = "/health"
)

// Client talks to the HTTP gateway of the consensus service.
type Client struct {
	baseURL *url.URL
	cfg     Config

	// single attempt per call, retries are owned by the reconciler
	submitter *retryablehttp.Client
	querier   *retryablehttp.Client
}

var _ Submitter = (*Client)(nil)

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing ledger address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	logger := leveledLogger{logging.FromContext(ctx).Named("ledger-http").Sugar()}

	submitter := retryablehttp.NewClient()
	submitter.RetryMax = 0
	submitter.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	submitter.Logger = logger

	querier := retryablehttp.NewClient()
	querier.RetryMax = cfg.QueryRetries
	querier.ErrorHandler = retryablehttp.PassthroughErrorHandler
	querier.Logger = logger

	return &Client{
		baseURL:   baseURL,
		cfg:       cfg,
		submitter: submitter,
		querier:   querier,
	}, nil
}

// Submit sends the envelope of a batch to the consensus service, once.
func (c *Client) Submit(ctx context.Context, b *batch.Batch) Receipt {
	logger := logging.FromContext(ctx).With(zap.String("batch_id", b.ID), zap.String("digest", b.Digest))
	start := time.Now()
	receipt := c.submit(ctx, b)
	receipt.SubmittedAt = start
	submitLatencyMetric.Observe(time.Since(start).Seconds())

	if receipt.Success {
		submissionsMetric.WithLabelValues("success").Inc()
		logger.Info("batch anchored", zap.String("transaction_id", receipt.TransactionID))
	} else {
		submissionsMetric.WithLabelValues(resultLabel(receipt.Err)).Inc()
		logger.Warn("batch submission failed", zap.Int("readings", len(b.Readings)), zap.String("error", receipt.Error))
	}
	return receipt
}

func (c *Client) submit(ctx context.Context, b *batch.Batch) Receipt {
	receipt := Receipt{BatchID: b.ID}
	fail := func(kind error, detail string) Receipt {
		receipt.Err = kind
		receipt.Error = detail
		return receipt
	}

	message, err := json.Marshal(NewEnvelope(b))
	if err != nil {
		return fail(ErrSubmissionFailed, fmt.Sprintf("encoding envelope: %v", err))
	}
	body, err := json.Marshal(submitRequest{
		Message:  string(message),
		Metadata: submitMetadata{BatchID: b.ID, Type: MessageType},
	})
	if err != nil {
		return fail(ErrSubmissionFailed, fmt.Sprintf("encoding request: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(submitPath).String(), bytes.NewReader(body))
	if err != nil {
		return fail(ErrSubmissionFailed, fmt.Sprintf("creating HTTP request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.submitter.Do(req)
	if err != nil {
		return fail(classify(ctx), fmt.Sprintf("error submitting to ledger: %v", err))
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(classify(ctx), fmt.Sprintf("reading response body: %v", err))
	}
	if res.StatusCode != http.StatusOK {
		return fail(ErrSubmissionRejected, fmt.Sprintf("HCS submission failed: %d - %s", res.StatusCode, string(data)))
	}

	var resBody submitResponse
	if err := json.Unmarshal(data, &resBody); err != nil {
		return fail(ErrSubmissionFailed, fmt.Sprintf("decoding response body: %v: %s", err, string(data)))
	}
	if resBody.TransactionID == "" {
		return fail(ErrSubmissionRejected, fmt.Sprintf("response without transaction id: %s", string(data)))
	}

	receipt.Success = true
	receipt.TransactionID = resBody.TransactionID
	receipt.ConsensusTimestamp = resBody.ConsensusTimestamp
	return receipt
}

// Verify reports whether the consensus service knows the transaction.
// Any failure to get a positive answer yields false.
func (c *Client) Verify(ctx context.Context, digest, transactionID string) bool {
	logger := logging.FromContext(ctx).With(zap.String("transaction_id", transactionID), zap.String("digest", digest))
	ok, err := c.get(ctx, c.baseURL.JoinPath(transactionPath, transactionID).String())
	if err != nil {
		logger.Warn("error verifying proof", zap.Error(err))
	}
	return ok
}

func (c *Client) Healthy(ctx context.Context) bool {
	ok, err := c.get(ctx, c.baseURL.JoinPath(healthPath).String())
	if err != nil {
		logging.FromContext(ctx).Warn("ledger health check failed", zap.Error(err))
	}
	return ok
}

func (c *Client) get(ctx context.Context, target string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("creating HTTP request: %w", err)
	}
	res, err := c.querier.Do(req)
	if err != nil {
		return false, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK, nil
}

func classify(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrSubmissionTimeout
	}
	return ErrSubmissionFailed
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrSubmissionTimeout):
		return "timeout"
	case errors.Is(err, ErrSubmissionRejected):
		return "rejected"
	default:
		return "failed"
	}
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	*zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}
