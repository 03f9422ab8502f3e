package wormhole

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// VAAObservation is one proof-side observation delivered by a spy client: a
// signed VAA body for a specific emitter/sequence, along with its decoded
// header fields.
type VAAObservation struct {
	EmitterChain uint16
	EmitterAddr  [32]byte
	Sequence     uint64
	VAABytes     []byte
}

// SpyClient streams VAA observations from a local Wormhole spy process.
// Implementations must be safe for a single caller to range over Stream's
// channel until ctx is cancelled.
type SpyClient interface {
	Stream(ctx context.Context) (<-chan VAAObservation, error)
	Close() error
}

// WebSocketSpyClient implements SpyClient over a WebSocket feed, modeled on
// rpcprovider.WebSocketClient's subscription-channel-plus-reconnect pattern:
// a single JSON message stream in which every frame is decoded as one VAA
// observation, with exponential-backoff auto-reconnect so a spy restart does
// not require the scanner itself to be restarted.
type WebSocketSpyClient struct {
	url  string
	conn *websocket.Conn
	mu   sync.RWMutex

	out       chan VAAObservation
	closed    atomic.Bool
	closeChan chan struct{}

	reconnectBackoff     time.Duration
	maxReconnectInterval time.Duration
}

var _ SpyClient = (*WebSocketSpyClient)(nil)

// NewWebSocketSpyClient dials the spy's websocket endpoint at url.
func NewWebSocketSpyClient(url string) (*WebSocketSpyClient, error) {
	c := &WebSocketSpyClient{
		url:                  url,
		out:                  make(chan VAAObservation, 256),
		closeChan:            make(chan struct{}),
		reconnectBackoff:     1 * time.Second,
		maxReconnectInterval: 60 * time.Second,
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("wormhole: dialing spy %s: %w", url, err)
	}
	return c, nil
}

func (c *WebSocketSpyClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Stream starts a read loop and returns the observation channel. Each call
// starts another read loop, so call it once per client lifetime.
func (c *WebSocketSpyClient) Stream(ctx context.Context) (<-chan VAAObservation, error) {
	go c.readLoop(ctx)
	return c.out, nil
}

func (c *WebSocketSpyClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			conn.Close()
			c.reconnect(ctx)
			continue
		}

		var msg struct {
			EmitterChain uint16 `json:"emitterChain"`
			EmitterAddr  string `json:"emitterAddress"`
			Sequence     string `json:"sequence"`
			VAA          string `json:"vaaBytes"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		obs, err := decodeSpyMessage(msg.EmitterChain, msg.EmitterAddr, msg.Sequence, msg.VAA)
		if err != nil {
			continue
		}
		select {
		case c.out <- obs:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WebSocketSpyClient) reconnect(ctx context.Context) {
	backoff := c.reconnectBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case <-time.After(backoff):
		}
		if err := c.connect(); err == nil {
			return
		}
		backoff *= 2
		if backoff > c.maxReconnectInterval {
			backoff = c.maxReconnectInterval
		}
	}
}

// Close terminates the read loop and the underlying connection.
func (c *WebSocketSpyClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeChan)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
