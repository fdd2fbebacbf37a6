package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/solwatch/mintwatch/internal/metrics"
)

const defaultCallTimeout = 30 * time.Second

// callLimiter gates outgoing calls; satisfied by ratelimit.Limiter.
type callLimiter interface {
	Wait(ctx context.Context) error
}

// Client issues JSON-RPC calls to a Solana node and classifies failures.
// It never retries: retry policy belongs to callers, which differ per call
// site (a block fetch tolerates skipping, a slot probe does not).
type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	limiter    callLimiter
	logger     *slog.Logger
}

type Option func(*Client)

// WithLimiter installs a rate limiter consulted before every call.
func WithLimiter(l callLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultCallTimeout,
		},
		rpcURL: rpcURL,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(method, KindTransport)
		return nil, newError(KindTransport, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(method, KindTransport)
		return nil, newError(KindTransport, method, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.record(method, KindRateLimited)
		return nil, newError(KindRateLimited, method, fmt.Errorf("http status 429"))
	}
	if resp.StatusCode != http.StatusOK {
		c.record(method, KindTransport)
		return nil, newError(KindTransport, method, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		// A block payload too large for the provider arrives truncated;
		// retrying cannot change its size.
		c.record(method, KindOversized)
		return nil, newError(KindOversized, method, fmt.Errorf("unmarshal response (%d bytes): %w", len(respBody), err))
	}

	if rpcResp.Error != nil {
		classified := classifyRPCError(method, rpcResp.Error)
		c.record(method, classified.Kind)
		return nil, classified
	}

	c.record(method, "ok")
	return rpcResp.Result, nil
}

func (c *Client) record(method string, outcome Kind) {
	label := string(outcome)
	if label == "" {
		label = "ok"
	}
	metrics.RPCCallsTotal.WithLabelValues(method, label).Inc()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
