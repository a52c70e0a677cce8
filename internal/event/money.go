package event

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point decimal amount carried in its canonical string form.
// It survives JSON as either a number or a string and maps onto NUMERIC
// columns without ever passing through a binary float.
type Money string

// UnmarshalJSON accepts both 0.02 and "0.02" and normalises the value to the
// decimal's canonical string representation.
func (m *Money) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("money must be a decimal number or string")
		}
		n = json.Number(s)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return fmt.Errorf("invalid decimal %q", n.String())
	}
	*m = Money(d.String())
	return nil
}

// MarshalJSON renders the amount as a JSON string so precision survives
// round trips through clients that parse numbers as floats.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Decimal parses the amount. The zero value parses as zero.
func (m Money) Decimal() (decimal.Decimal, error) {
	if m == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(string(m))
}

// String returns the canonical amount, "0" for the zero value.
func (m Money) String() string {
	if m == "" {
		return "0"
	}
	return string(m)
}
