// Package stats ships the built-in stats plugins.
package stats

import (
	"math/big"

	"github.com/nanilabs/nani/internal/store"
)

const planckPerUnit = 1e12

// Basic summarizes a tenant's log history: event counts, directional
// breakdowns, total amounts and first/last timestamps.
type Basic struct{}

// NewBasic returns the basic stats plugin.
func NewBasic() *Basic {
	return &Basic{}
}

func (b *Basic) Name() string { return "basic" }

// Compute aggregates the logs. Amounts are reported in whole tokens,
// formatted to four decimal places.
func (b *Basic) Compute(logs []store.LogEntry) map[string]any {
	summary := map[string]any{
		"total_events":     len(logs),
		"incoming":         0,
		"outgoing":         0,
		"total_amount_in":  "0.0000",
		"total_amount_out": "0.0000",
		"first_event":      nil,
		"last_event":       nil,
	}

	if len(logs) == 0 {
		return summary
	}

	var incoming, outgoing int
	amountIn := new(big.Int)
	amountOut := new(big.Int)
	for _, entry := range logs {
		switch entry.Direction {
		case "incoming":
			incoming++
			amountIn.Add(amountIn, entryAmount(entry))
		case "outgoing":
			outgoing++
			amountOut.Add(amountOut, entryAmount(entry))
		}
	}

	summary["incoming"] = incoming
	summary["outgoing"] = outgoing
	summary["total_amount_in"] = formatTokens(amountIn)
	summary["total_amount_out"] = formatTokens(amountOut)
	summary["first_event"] = logs[0].Timestamp
	summary["last_event"] = logs[len(logs)-1].Timestamp

	return summary
}

// entryAmount returns the entry's amount in planck, preferring the
// full-precision AmountRaw column over the saturating Amount one.
func entryAmount(entry store.LogEntry) *big.Int {
	if entry.AmountRaw != "" {
		if v, ok := new(big.Int).SetString(entry.AmountRaw, 10); ok {
			return v
		}
	}
	return new(big.Int).SetUint64(entry.Amount)
}

// formatTokens renders a planck amount in whole tokens to four decimal
// places.
func formatTokens(planck *big.Int) string {
	tokens := new(big.Float).Quo(new(big.Float).SetInt(planck), big.NewFloat(planckPerUnit))
	return tokens.Text('f', 4)
}
