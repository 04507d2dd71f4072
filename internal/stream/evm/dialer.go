// Package evm adapts EVM log subscriptions to the canonical event
// schema, so ERC-20 transfers flow through the same activity plugins
// as substrate events.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/stream"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config holds EVM dialer settings.
type Config struct {
	// Contracts restricts the log subscription to these addresses.
	// Empty means all logs.
	Contracts []string

	// TransferPallet is the pallet label stamped on decoded ERC-20
	// transfers. Default "balances", matching the substrate schema.
	TransferPallet string

	DialTimeout time.Duration
}

// Dialer dials EVM WebSocket endpoints.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

var _ stream.Dialer = (*Dialer)(nil)

// NewDialer creates an EVM dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.TransferPallet == "" {
		cfg.TransferPallet = "balances"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger.With("dialer", "evm")}
}

// Dial connects and verifies the endpoint answers a chain ID query.
// Log subscriptions require a WebSocket endpoint.
func (d *Dialer) Dial(ctx context.Context, endpoint string, onDisconnect func(error)) (stream.Conn, error) {
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return nil, fmt.Errorf("subscriptions require a websocket endpoint, got %s", endpoint)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain ID check failed: %w", err)
	}

	d.logger.Info("evm endpoint connected", "endpoint", endpoint, "chain_id", chainID)
	return &conn{
		cfg:          d.cfg,
		client:       client,
		logger:       d.logger.With("endpoint", endpoint),
		onDisconnect: onDisconnect,
	}, nil
}

type conn struct {
	cfg          Config
	client       *ethclient.Client
	logger       *slog.Logger
	onDisconnect func(error)

	stopped  atomic.Bool
	discOnce sync.Once
}

var _ stream.Conn = (*conn)(nil)

// Subscribe opens the filtered log subscription and delivers each log
// as a single-record batch until the subscription errors or ctx is
// cancelled.
func (c *conn) Subscribe(ctx context.Context, fn stream.BatchHandler) error {
	query := ethereum.FilterQuery{}
	for _, addr := range c.cfg.Contracts {
		query.Addresses = append(query.Addresses, common.HexToAddress(addr))
	}

	logs := make(chan types.Log, 64)
	sub, err := c.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return c.fail(fmt.Errorf("log subscription: %w", err))
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if c.stopped.Load() {
				return fmt.Errorf("connection closed")
			}
			return c.fail(fmt.Errorf("subscription dropped: %w", err))
		case lg := <-logs:
			fn(chain.Batch{c.toRecord(lg)})
		}
	}
}

func (c *conn) fail(err error) error {
	c.discOnce.Do(func() {
		if c.onDisconnect != nil {
			go c.onDisconnect(err)
		}
	})
	return err
}

// toRecord maps one EVM log into the canonical schema. ERC-20
// transfers decode into the same (pallet, method, data) shape the
// substrate source emits; everything else passes through raw under the
// contract address.
func (c *conn) toRecord(lg types.Log) chain.EventRecord {
	rec := chain.EventRecord{
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
	}
	if raw, err := json.Marshal(lg); err == nil {
		rec.Raw = raw
	}

	if len(lg.Topics) == 3 && lg.Topics[0] == transferTopic {
		from := common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
		to := common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		amount := new(big.Int).SetBytes(lg.Data)

		rec.Pallet = c.cfg.TransferPallet
		rec.Method = "Transfer"
		rec.Data = []json.RawMessage{
			mustJSON(from),
			mustJSON(to),
			mustJSON(amount.String()),
		}
		return rec
	}

	rec.Pallet = strings.ToLower(lg.Address.Hex())
	rec.Method = "Log"
	return rec
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (c *conn) Close() error {
	c.stopped.Store(true)
	c.client.Close()
	return nil
}
