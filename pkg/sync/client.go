package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// Sentinel errors for the sync taxonomy.
var (
	// ErrRejected marks a 4xx permanent rejection: recorded, not retried
	// automatically.
	ErrRejected = errors.New("sync rejected by backend")
	// ErrTransient marks a 5xx or network-level failure: retried per the
	// backoff policy up to a cap.
	ErrTransient = errors.New("transient sync failure")
)

// Class buckets a submission outcome per the retry policy.
type Class int

const (
	ClassAccepted Class = iota
	ClassRejected
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassAccepted:
		return "accepted"
	case ClassRejected:
		return "rejected"
	case ClassTransient:
		return "transient"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Outcome is one submission attempt's result.
type Outcome struct {
	Class      Class
	StatusCode int
	Err        error
}

// ClientConfig configures the backend client.
type ClientConfig struct {
	BaseURL          string
	TransactionsPath string // default /api/transactions
	APIKey           string // static bearer, used when AuthSecret is empty
	AuthSecret       string // HS256 secret for minted agent tokens
	AgentID          string
	Timeout          time.Duration // per-request; every call is bounded
}

// Client submits captured transactions to the RetailStack backend. One
// attempt per call: retry pacing lives in the engine's schedule, not in
// the client. A circuit breaker sheds load while the backend is down so
// capture never waits behind a wall of doomed requests.
type Client struct {
	http    *http.Client
	baseURL string
	path    string
	cfg     ClientConfig
	breaker *CircuitBreaker
	schema  *jsonschema.Schema
	log     *slog.Logger
}

// NewClient builds a backend client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sync client: base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	path := cfg.TransactionsPath
	if path == "" {
		path = "/api/transactions"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		path:    path,
		cfg:     cfg,
		breaker: NewCircuitBreaker("retailstack-backend", 5, 10*time.Second),
		schema:  schema,
		log:     slog.Default().With("component", "sync"),
	}, nil
}

// Submit delivers one transaction. Safe to repeat: the Idempotency-Key is
// derived from the canonical payload, and the backend dedupes on it.
func (c *Client) Submit(ctx context.Context, t *contracts.Transaction) Outcome {
	body, key, err := encodePayload(c.schema, buildPayload(t))
	if err != nil {
		// A contract violation will never succeed on retry.
		return Outcome{Class: ClassRejected, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
	return c.post(ctx, c.baseURL+c.path, body, key)
}

// SubmitBatch delivers several transactions in one request, used by the
// force-replay control path.
func (c *Client) SubmitBatch(ctx context.Context, txs []*contracts.Transaction) Outcome {
	payloads := make([]Payload, 0, len(txs))
	for _, t := range txs {
		payloads = append(payloads, buildPayload(t))
	}
	body, err := json.Marshal(map[string]any{"transactions": payloads})
	if err != nil {
		return Outcome{Class: ClassRejected, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
	return c.post(ctx, c.baseURL+c.path+"/batch", body, "")
}

// Ping reports whether the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	c.setAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, url string, body []byte, idempotencyKey string) Outcome {
	if !c.breaker.Allow() {
		return Outcome{Class: ClassTransient,
			Err: fmt.Errorf("%w: circuit breaker open", ErrTransient)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RetailStack-POS-Agent/1.0")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return Outcome{Class: ClassTransient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.Success()
		return Outcome{Class: ClassAccepted, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Permanent: the backend understood us and said no.
		c.breaker.Success()
		return Outcome{Class: ClassRejected, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))}
	default:
		c.breaker.Failure()
		return Outcome{Class: ClassTransient, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %d %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}
}

// setAuth attaches either a minted short-lived agent token or the static
// API key.
func (c *Client) setAuth(req *http.Request) {
	if c.cfg.AuthSecret != "" {
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "retailstack-pos-agent",
			"sub": c.cfg.AgentID,
			"iat": now.Unix(),
			"exp": now.Add(5 * time.Minute).Unix(),
		})
		signed, err := tok.SignedString([]byte(c.cfg.AuthSecret))
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+signed)
			return
		}
		c.log.Error("mint agent token", "error", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
