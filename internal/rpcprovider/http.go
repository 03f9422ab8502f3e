package rpcprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPClient implements Client over plain HTTP JSON-RPC, trying every
// configured endpoint in round-robin order with health-tracked failover.
// Grounded on the teacher's rpc.HTTPRPCClient.
type HTTPClient struct {
	endpoints []string
	health    HealthTracker
	http      *http.Client

	mu           sync.Mutex
	currentIndex int
	requestID    atomic.Int64
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTPClient over the given endpoints, in priority
// order. At least one endpoint is required.
func NewHTTPClient(endpoints []string, health HealthTracker) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpcprovider: at least one HTTP endpoint is required")
	}
	if health == nil {
		health = NewDefaultHealthTracker()
	}
	return &HTTPClient{
		endpoints: endpoints,
		health:    health,
		http:      &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonrpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *HTTPClient) nextHealthyEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.endpoints)
	for i := 0; i < n; i++ {
		idx := (c.currentIndex + i) % n
		ep := c.endpoints[idx]
		if c.health.IsHealthy(ep) {
			c.currentIndex = (idx + 1) % n
			return ep
		}
	}
	// All endpoints unhealthy: fall back to round robin anyway rather than
	// refusing to try at all.
	ep := c.endpoints[c.currentIndex]
	c.currentIndex = (c.currentIndex + 1) % n
	return ep
}

// Call tries each endpoint, in round-robin/health order, until one answers
// or all have failed.
func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		ep := c.nextHealthyEndpoint()
		result, err := c.callEndpoint(ctx, ep, method, params)
		if err == nil {
			c.health.RecordSuccess(ep)
			return result, nil
		}
		c.health.RecordFailure(ep)
		lastErr = err
	}
	return nil, fmt.Errorf("rpcprovider: all endpoints failed, last error: %w", lastErr)
}

func (c *HTTPClient) callEndpoint(ctx context.Context, endpoint, method string, params interface{}) (json.RawMessage, error) {
	reqID := c.requestID.Add(1)
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, respBody)
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshaling response from %s: %w", endpoint, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// CallBatch issues a JSON-RPC batch request against the best currently
// healthy endpoint.
func (c *HTTPClient) CallBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	ep := c.nextHealthyEndpoint()

	batch := make([]jsonrpcRequest, len(reqs))
	for i, r := range reqs {
		batch[i] = jsonrpcRequest{JSONRPC: "2.0", ID: int64(i), Method: r.Method, Params: r.Params}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.health.RecordFailure(ep)
		return nil, fmt.Errorf("calling batch at %s: %w", ep, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading batch response: %w", err)
	}

	var rpcResps []jsonrpcResponse
	if err := json.Unmarshal(respBody, &rpcResps); err != nil {
		return nil, fmt.Errorf("unmarshaling batch response: %w", err)
	}
	c.health.RecordSuccess(ep)

	out := make([]Response, len(rpcResps))
	for i, r := range rpcResps {
		out[i] = Response{Result: r.Result, Error: r.Error}
	}
	return out, nil
}

func (c *HTTPClient) Close() error { return nil }
