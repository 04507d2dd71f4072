// Package substrate connects to a substrate event sidecar over a
// WebSocket JSON-RPC subscription.
package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/stream"
)

// Config holds substrate dialer settings.
type Config struct {
	// SubscribeMethod is the JSON-RPC method that opens the event
	// subscription. Default "events_subscribe".
	SubscribeMethod string

	// NotificationMethod is the JSON-RPC method of pushed event
	// notifications. Default "events".
	NotificationMethod string

	HandshakeTimeout time.Duration
}

// Dialer dials substrate event endpoints.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

var _ stream.Dialer = (*Dialer)(nil)

// NewDialer creates a substrate dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.SubscribeMethod == "" {
		cfg.SubscribeMethod = "events_subscribe"
	}
	if cfg.NotificationMethod == "" {
		cfg.NotificationMethod = "events"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger.With("dialer", "substrate")}
}

// Dial opens the WebSocket connection. The subscription request is
// sent later, by Subscribe.
func (d *Dialer) Dial(ctx context.Context, endpoint string, onDisconnect func(error)) (stream.Conn, error) {
	// Handle https->wss conversion for usability
	if strings.HasPrefix(endpoint, "https") {
		endpoint = "wss" + endpoint[5:]
	} else if strings.HasPrefix(endpoint, "http") {
		endpoint = "ws" + endpoint[4:]
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	d.logger.Info("websocket connected", "endpoint", endpoint)
	return &conn{
		cfg:          d.cfg,
		ws:           ws,
		logger:       d.logger.With("endpoint", endpoint),
		onDisconnect: onDisconnect,
	}, nil
}

// conn is one live WebSocket session.
type conn struct {
	cfg          Config
	ws           *websocket.Conn
	logger       *slog.Logger
	onDisconnect func(error)

	stopped  atomic.Bool
	discOnce sync.Once
}

var _ stream.Conn = (*conn)(nil)

// Subscribe sends the subscription request and runs the notification
// read loop until the transport drops or ctx is cancelled. Transport
// errors fire the disconnect observer exactly once.
func (c *conn) Subscribe(ctx context.Context, fn stream.BatchHandler) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  c.cfg.SubscribeMethod,
		"params":  []any{},
	}
	if err := c.ws.WriteJSON(req); err != nil {
		return c.fail(fmt.Errorf("subscribe request: %w", err))
	}

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.stopped.Store(true)
			c.ws.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.stopped.Load() {
				return fmt.Errorf("connection closed")
			}
			return c.fail(fmt.Errorf("read error: %w", err))
		}
		c.handleMessage(message, fn)
	}
}

// fail marks the connection dead and notifies the observer once.
func (c *conn) fail(err error) error {
	c.discOnce.Do(func() {
		if c.onDisconnect != nil {
			go c.onDisconnect(err)
		}
	})
	return err
}

func (c *conn) handleMessage(msg []byte, fn stream.BatchHandler) {
	var note struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				BlockNumber uint64            `json:"blockNumber"`
				BlockHash   string            `json:"blockHash"`
				Events      []json.RawMessage `json:"events"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &note); err != nil {
		return // Ignore malformed messages
	}
	if note.Method != c.cfg.NotificationMethod {
		return // Subscription confirmations and unrelated notifications
	}

	batch := make(chain.Batch, 0, len(note.Params.Result.Events))
	for _, raw := range note.Params.Result.Events {
		var ev struct {
			Pallet string            `json:"pallet"`
			Method string            `json:"method"`
			Data   []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Debug("skipping undecodable event", "error", err)
			continue
		}
		batch = append(batch, chain.EventRecord{
			Pallet:      ev.Pallet,
			Method:      ev.Method,
			Data:        ev.Data,
			BlockNumber: note.Params.Result.BlockNumber,
			BlockHash:   note.Params.Result.BlockHash,
			Raw:         raw,
		})
	}
	if len(batch) == 0 {
		return
	}

	c.logger.Debug("event batch received",
		"block", note.Params.Result.BlockNumber,
		"events", len(batch),
	)
	fn(batch)
}

func (c *conn) Close() error {
	c.stopped.Store(true)
	return c.ws.Close()
}
