// Package activity ships the built-in activity plugins.
package activity

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/store"
)

// planckPerUnit converts on-chain planck amounts to whole tokens.
const planckPerUnit = 1e12

// Transfers matches balances/Transfer events where the tenant's address
// is the sender or the recipient.
type Transfers struct{}

// NewTransfers returns the transfers activity plugin.
func NewTransfers() *Transfers {
	return &Transfers{}
}

func (t *Transfers) Name() string { return "transfers" }

// Filter reports whether the event is a balance transfer involving the
// address. Data layout: [from, to, amount].
func (t *Transfers) Filter(ctx context.Context, event chain.EventRecord, address string) (bool, error) {
	if event.Pallet != "balances" || event.Method != "Transfer" {
		return false, nil
	}

	from := event.DataString(0)
	to := event.DataString(1)
	return from == address || to == address, nil
}

// Log renders the transfer into a structured entry. Amounts are
// uint256-sized on chain, so the full value is carried in AmountRaw and
// the uint64 Amount column saturates.
func (t *Transfers) Log(ctx context.Context, event chain.EventRecord, address string) (store.LogEntry, error) {
	from := event.DataString(0)
	to := event.DataString(1)

	direction := "incoming"
	if from == address {
		direction = "outgoing"
	}

	entry := store.LogEntry{
		Timestamp:   time.Now().UTC(),
		Type:        "transfer",
		Direction:   direction,
		From:        from,
		To:          to,
		Amount:      event.DataUint(2),
		BlockNumber: event.BlockNumber,
	}
	if amount := event.DataBig(2); amount != nil {
		entry.AmountRaw = amount.String()
	}
	return entry, nil
}

// FormatMessage renders a short human-readable transfer summary, e.g.
// "OUTGOING Transfer: 1.2345 WND to 5GrwvaEF5z...".
func (t *Transfers) FormatMessage(ctx context.Context, entry store.LogEntry, address string) (string, error) {
	other := entry.From
	preposition := "from"
	if entry.Direction == "outgoing" {
		other = entry.To
		preposition = "to"
	}
	if len(other) > 10 {
		other = other[:10] + "..."
	}

	amount := formatTokens(&entry)

	var label string
	switch entry.Direction {
	case "outgoing":
		label = "OUTGOING"
	default:
		label = "INCOMING"
	}

	return fmt.Sprintf("%s Transfer: %s WND %s %s", label, amount, preposition, other), nil
}

// formatTokens renders the entry's amount in whole tokens to four
// decimal places, preferring the full-precision AmountRaw column.
func formatTokens(entry *store.LogEntry) string {
	planck := new(big.Float).SetUint64(entry.Amount)
	if entry.AmountRaw != "" {
		if raw, ok := new(big.Int).SetString(entry.AmountRaw, 10); ok {
			planck = new(big.Float).SetInt(raw)
		}
	}
	tokens := new(big.Float).Quo(planck, big.NewFloat(planckPerUnit))
	return tokens.Text('f', 4)
}
