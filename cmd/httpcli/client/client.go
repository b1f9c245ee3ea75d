package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/digest"
	"github.com/spacemeshos/meterproof/store"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnavailable    = errors.New("unavailable")
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
)

type Proof struct {
	store.Anchor
	ReadingCount    int             `json:"reading_count"`
	VerificationURL string          `json:"verification_url"`
	Readings        []batch.Reading `json:"readings,omitempty"`
}

type Verification struct {
	TransactionID      string `json:"transaction_id"`
	BatchID            string `json:"batch_id,omitempty"`
	DataHash           string `json:"data_hash,omitempty"`
	ConsensusTimestamp string `json:"consensus_timestamp,omitempty"`
	Verified           bool   `json:"verified"`
	Note               string `json:"note,omitempty"`
	VerificationURL    string `json:"verification_url"`
}

type Pending struct {
	BatchID       string     `json:"batch_id"`
	DataHash      string     `json:"data_hash"`
	ReadingCount  int        `json:"reading_count"`
	DeviceCount   int        `json:"device_count"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

type Health struct {
	Status         string    `json:"status"`
	ServerTime     time.Time `json:"server_time"`
	LedgerHealthy  bool      `json:"ledger_healthy"`
	OpenWindow     int       `json:"open_window_readings"`
	InFlight       int       `json:"in_flight_batches"`
	PendingBatches int       `json:"pending_batches"`
	DevicesOnline  int       `json:"devices_online"`
	DevicesOffline int       `json:"devices_offline"`
}

type Stats struct {
	store.Totals
	OpenWindow     int                      `json:"open_window_readings"`
	PendingBatches int                      `json:"pending_batches"`
	LatestReadings map[string]batch.Reading `json:"latest_readings"`
}

// Audit is the outcome of checking a proof against its own contents and the ledger.
type Audit struct {
	BatchID        string
	StoredDigest   string
	ComputedDigest string
	RootMatches    bool
	LedgerVerified bool
}

func (a *Audit) Valid() bool {
	return a.StoredDigest == a.ComputedDigest && a.RootMatches && a.LedgerVerified
}

// HTTPClient talks to the REST API of a meterproof server.
type HTTPClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

// NewHTTPClient returns new instance of HTTPClient connecting to the specified url.
func NewHTTPClient(baseUrl string, retries int) (*HTTPClient, error) {
	baseURL, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPClient{
		baseURL: baseURL,
		client:  client,
	}, nil
}

func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var resBody Health
	if err := c.req(ctx, http.MethodGet, "/health", nil, &resBody); err != nil {
		return nil, fmt.Errorf("querying health: %w", err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Stats(ctx context.Context) (*Stats, error) {
	var resBody Stats
	if err := c.req(ctx, http.MethodGet, "/api/stats", nil, &resBody); err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &resBody, nil
}

// Proofs lists up to limit proofs, newest first.
func (c *HTTPClient) Proofs(ctx context.Context, limit int) ([]Proof, error) {
	var resBody struct {
		Proofs []Proof `json:"proofs"`
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.req(ctx, http.MethodGet, "/api/proofs?"+query.Encode(), nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing proofs: %w", err)
	}
	return resBody.Proofs, nil
}

func (c *HTTPClient) Proof(ctx context.Context, batchID string, contents bool) (*Proof, error) {
	path := "/api/proofs/" + url.PathEscape(batchID)
	if contents {
		path += "?contents=true"
	}
	var resBody Proof
	if err := c.req(ctx, http.MethodGet, path, nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting proof of %s: %w", batchID, err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Verify(ctx context.Context, transactionID string) (*Verification, error) {
	var resBody Verification
	if err := c.req(ctx, http.MethodGet, "/api/proofs/verify/"+url.PathEscape(transactionID), nil, &resBody); err != nil {
		return nil, fmt.Errorf("verifying %s: %w", transactionID, err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Pending(ctx context.Context) ([]Pending, error) {
	var resBody struct {
		Batches []Pending `json:"batches"`
	}
	if err := c.req(ctx, http.MethodGet, "/api/batches/pending", nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing pending batches: %w", err)
	}
	return resBody.Batches, nil
}

// Retry asks the server to resubmit a pending batch now.
func (c *HTTPClient) Retry(ctx context.Context, batchID string) error {
	return c.req(ctx, http.MethodPost, "/api/batches/pending/"+url.PathEscape(batchID)+"/retry", nil, nil)
}

// Discard drops a pending batch. Its readings are lost.
func (c *HTTPClient) Discard(ctx context.Context, batchID string) error {
	return c.req(ctx, http.MethodDelete, "/api/batches/pending/"+url.PathEscape(batchID), nil, nil)
}

// Audit recomputes the digest and readings root of an anchored batch from its
// contents and checks the transaction on the ledger.
func (c *HTTPClient) Audit(ctx context.Context, batchID string) (*Audit, error) {
	proof, err := c.Proof(ctx, batchID, true)
	if err != nil {
		return nil, err
	}
	_, computed, err := digest.Encode(proof.Readings)
	if err != nil {
		return nil, fmt.Errorf("digesting contents of %s: %w", batchID, err)
	}
	audit := &Audit{
		BatchID:        batchID,
		StoredDigest:   proof.Digest,
		ComputedDigest: computed,
		RootMatches:    len(proof.ReadingsRoot) == 0,
	}
	if len(proof.ReadingsRoot) > 0 {
		root, err := digest.ReadingsRoot(proof.Readings)
		if err != nil {
			return nil, fmt.Errorf("computing readings root of %s: %w", batchID, err)
		}
		audit.RootMatches = bytes.Equal(root, proof.ReadingsRoot)
	}
	verification, err := c.Verify(ctx, proof.TransactionID)
	if err != nil {
		return nil, err
	}
	audit.LedgerVerified = verification.Verified
	return audit, nil
}

func (c *HTTPClient) req(ctx context.Context, method, path string, reqBody, resBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parsing path: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response body (%w)", err)
	}

	switch res.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusNotFound:
		return fmt.Errorf("%w: response status code: %s, body: %s", ErrNotFound, res.Status, string(data))
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: response status code: %s, body: %s", ErrUnavailable, res.Status, string(data))
	case http.StatusBadRequest:
		return fmt.Errorf("%w: response status code: %s, body: %s", ErrInvalidRequest, res.Status, string(data))
	case http.StatusConflict:
		return fmt.Errorf("%w: response status code: %s, body: %s", ErrConflict, res.Status, string(data))
	default:
		return fmt.Errorf("unrecognized error: status code: %s, body: %s", res.Status, string(data))
	}

	if resBody != nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}
