package rpcprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClient implements Client over a WebSocket JSON-RPC connection
// with automatic reconnection and subscription routing. Grounded almost
// directly on the teacher's rpc.WebSocketRPCClient.
type WebSocketClient struct {
	url           string
	conn          *websocket.Conn
	connMu        sync.RWMutex
	requestID     atomic.Int64
	pendingCalls  map[int64]chan *jsonrpcResponse
	pendingMu     sync.RWMutex
	subscriptions map[string]chan json.RawMessage
	subsMu        sync.RWMutex
	reconnecting  atomic.Bool
	closed        atomic.Bool
	closeChan     chan struct{}

	maxReconnectInterval time.Duration
	reconnectBackoff     time.Duration
}

var _ Client = (*WebSocketClient)(nil)

// NewWebSocketClient dials url and starts the read loop.
func NewWebSocketClient(url string) (*WebSocketClient, error) {
	c := &WebSocketClient{
		url:                  url,
		pendingCalls:         make(map[int64]chan *jsonrpcResponse),
		subscriptions:        make(map[string]chan json.RawMessage),
		closeChan:            make(chan struct{}),
		maxReconnectInterval: 60 * time.Second,
		reconnectBackoff:     1 * time.Second,
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("rpcprovider: dialing %s: %w", url, err)
	}
	go c.readLoop()
	return c, nil
}

func (c *WebSocketClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rpcprovider: websocket client is closed")
	}

	reqID := c.requestID.Add(1)
	respChan := make(chan *jsonrpcResponse, 1)
	c.pendingMu.Lock()
	c.pendingCalls[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingCalls, reqID)
		c.pendingMu.Unlock()
	}()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("rpcprovider: websocket not connected")
	}
	if err := conn.WriteJSON(req); err != nil {
		go c.reconnect()
		return nil, fmt.Errorf("rpcprovider: sending websocket request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, fmt.Errorf("rpcprovider: websocket client closed")
	}
}

func (c *WebSocketClient) CallBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	return nil, fmt.Errorf("rpcprovider: batch calls are not supported over websocket")
}

// Subscribe issues a subscription method call and returns a channel fed with
// notifications for it, following eth_subscribe/eth_unsubscribe semantics.
func (c *WebSocketClient) Subscribe(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("rpcprovider: subscription failed: %w", err)
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return nil, fmt.Errorf("rpcprovider: parsing subscription id: %w", err)
	}

	notifChan := make(chan json.RawMessage, 100)
	c.subsMu.Lock()
	c.subscriptions[subID] = notifChan
	c.subsMu.Unlock()
	return notifChan, nil
}

func (c *WebSocketClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeChan)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WebSocketClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *WebSocketClient) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	backoff := c.reconnectBackoff
	for {
		select {
		case <-c.closeChan:
			return
		case <-time.After(backoff):
			if err := c.connect(); err != nil {
				backoff *= 2
				if backoff > c.maxReconnectInterval {
					backoff = c.maxReconnectInterval
				}
				continue
			}
			go c.readLoop()
			return
		}
	}
}

func (c *WebSocketClient) readLoop() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-c.closeChan:
			return
		default:
			var msg json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				go c.reconnect()
				return
			}

			var partial struct {
				ID     *int64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(msg, &partial); err != nil {
				continue
			}

			if partial.ID != nil {
				var resp jsonrpcResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				c.pendingMu.RLock()
				respChan, exists := c.pendingCalls[*partial.ID]
				c.pendingMu.RUnlock()
				if exists {
					respChan <- &resp
				}
			} else if partial.Method != "" {
				var notification struct {
					Params struct {
						Subscription string          `json:"subscription"`
						Result       json.RawMessage `json:"result"`
					} `json:"params"`
				}
				if err := json.Unmarshal(msg, &notification); err != nil {
					continue
				}
				c.subsMu.RLock()
				notifChan, exists := c.subscriptions[notification.Params.Subscription]
				c.subsMu.RUnlock()
				if exists {
					select {
					case notifChan <- notification.Params.Result:
					default:
					}
				}
			}
		}
	}
}
