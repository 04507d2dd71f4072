// Package chain defines the chain-agnostic event types flowing from stream
// dialers into the dispatch engine.
package chain

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"strconv"
)

// EventRecord is one decoded chain event as delivered by the stream
// connection. The dispatch engine treats it as opaque; only activity
// plugins inspect its contents.
type EventRecord struct {
	// Pallet is the runtime module that emitted the event
	// (e.g. "balances", or a contract address on EVM chains).
	Pallet string `json:"pallet"`

	// Method is the event name within the pallet (e.g. "Transfer").
	Method string `json:"method"`

	// Data holds the event's decoded fields in emission order.
	Data []json.RawMessage `json:"data"`

	// BlockNumber is the height of the block containing the event,
	// zero when the source does not report it.
	BlockNumber uint64 `json:"block_number"`

	// BlockHash identifies the containing block when known.
	BlockHash string `json:"block_hash,omitempty"`

	// Raw is the untouched source payload, kept for plugins that need
	// fields the decoder does not surface.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Batch is one delivery of events from the stream subscription, in the
// order the source produced them.
type Batch []EventRecord

// DataString decodes the i-th data field as a JSON string. Returns ""
// when the field is absent or not a string.
func (e *EventRecord) DataString(i int) string {
	if i < 0 || i >= len(e.Data) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data[i], &s); err != nil {
		return ""
	}
	return s
}

// DataUint decodes the i-th data field as an unsigned integer. Substrate
// encodes large balances as JSON strings, so both forms are accepted.
// Values beyond the uint64 range saturate at math.MaxUint64 instead of
// collapsing to zero; callers that need the full value use DataBig.
func (e *EventRecord) DataUint(i int) uint64 {
	if i < 0 || i >= len(e.Data) {
		return 0
	}
	var n uint64
	if err := json.Unmarshal(e.Data[i], &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(e.Data[i], &s); err == nil {
		v, err := strconv.ParseUint(s, 10, 64)
		if err == nil {
			return v
		}
		if errors.Is(err, strconv.ErrRange) {
			return math.MaxUint64
		}
	}
	return 0
}

// DataBig decodes the i-th data field as an arbitrary-precision integer,
// accepting both JSON numbers and decimal strings. Chain balances are
// uint256-sized, so this is the lossless accessor. Returns nil when the
// field is absent or not a decimal integer.
func (e *EventRecord) DataBig(i int) *big.Int {
	if i < 0 || i >= len(e.Data) {
		return nil
	}
	var n uint64
	if err := json.Unmarshal(e.Data[i], &n); err == nil {
		return new(big.Int).SetUint64(n)
	}
	var s string
	if err := json.Unmarshal(e.Data[i], &s); err == nil {
		if v, ok := new(big.Int).SetString(s, 10); ok {
			return v
		}
	}
	return nil
}
