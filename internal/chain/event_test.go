package chain

import (
	"encoding/json"
	"math"
	"testing"
)

func record(fields ...any) EventRecord {
	data := make([]json.RawMessage, 0, len(fields))
	for _, f := range fields {
		b, _ := json.Marshal(f)
		data = append(data, b)
	}
	return EventRecord{Pallet: "balances", Method: "Transfer", Data: data}
}

func TestDataUintAcceptsNumbersAndStrings(t *testing.T) {
	ev := record(uint64(42), "2500000000000")

	if got := ev.DataUint(0); got != 42 {
		t.Errorf("DataUint(0) = %d, want 42", got)
	}
	if got := ev.DataUint(1); got != 2_5000_0000_0000 {
		t.Errorf("DataUint(1) = %d, want 2500000000000", got)
	}
	if got := ev.DataUint(5); got != 0 {
		t.Errorf("DataUint out of range = %d, want 0", got)
	}
}

func TestDataUintSaturatesBeyondUint64(t *testing.T) {
	// A 20-token ERC-20 transfer at 18 decimals exceeds uint64.
	ev := record("x", "y", "20000000000000000000")

	if got := ev.DataUint(2); got != math.MaxUint64 {
		t.Errorf("DataUint(2) = %d, want MaxUint64", got)
	}
}

func TestDataBigKeepsFullPrecision(t *testing.T) {
	ev := record("x", "y", "20000000000000000000")

	got := ev.DataBig(2)
	if got == nil {
		t.Fatal("DataBig(2) = nil")
	}
	if got.String() != "20000000000000000000" {
		t.Errorf("DataBig(2) = %s, want 20000000000000000000", got)
	}
}

func TestDataBigRejectsNonNumeric(t *testing.T) {
	ev := record("5Alice", map[string]string{"k": "v"})

	if got := ev.DataBig(0); got != nil {
		t.Errorf("DataBig(0) = %s, want nil", got)
	}
	if got := ev.DataBig(1); got != nil {
		t.Errorf("DataBig(1) = %s, want nil", got)
	}
}
