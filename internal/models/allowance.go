package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// allowanceUnlimitedSentinel is how "unlimited" is encoded in the database
// column. It exists only at the Scan/Value boundary; consumption sites work
// with the Allowance type and never compare against it.
const allowanceUnlimitedSentinel = -1

// Allowance is a subscription-granted, period-scoped quota counter. It is
// either a finite nonnegative count or unlimited.
type Allowance struct {
	unlimited bool
	remaining int
}

// FiniteAllowance returns an allowance with n uses remaining. Negative counts
// are clamped to zero.
func FiniteAllowance(n int) Allowance {
	if n < 0 {
		n = 0
	}
	return Allowance{remaining: n}
}

// UnlimitedAllowance returns an allowance that never runs out.
func UnlimitedAllowance() Allowance {
	return Allowance{unlimited: true}
}

// IsUnlimited reports whether the allowance has no finite cap.
func (a Allowance) IsUnlimited() bool {
	return a.unlimited
}

// Remaining returns the finite count left. It is meaningless for unlimited
// allowances; callers should check IsUnlimited first.
func (a Allowance) Remaining() int {
	return a.remaining
}

// Available reports whether at least one more use can be consumed.
func (a Allowance) Available() bool {
	return a.unlimited || a.remaining > 0
}

// Consume returns the allowance after spending one use. Unlimited allowances
// are returned unchanged. ok is false when nothing was available to consume.
func (a Allowance) Consume() (next Allowance, ok bool) {
	if a.unlimited {
		return a, true
	}
	if a.remaining <= 0 {
		return a, false
	}
	return Allowance{remaining: a.remaining - 1}, true
}

func (a Allowance) String() string {
	if a.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", a.remaining)
}

// Scan implements sql.Scanner, decoding the stored sentinel form.
func (a *Allowance) Scan(value any) error {
	if value == nil {
		*a = Allowance{}
		return nil
	}

	var n int64
	switch v := value.(type) {
	case int64:
		n = v
	case int:
		n = int64(v)
	case float64:
		n = int64(v)
	case []byte:
		if _, err := fmt.Sscanf(string(v), "%d", &n); err != nil {
			return fmt.Errorf("failed to scan allowance value %q: %w", string(v), err)
		}
	default:
		return fmt.Errorf("unsupported allowance column type %T", value)
	}

	if n == allowanceUnlimitedSentinel {
		*a = UnlimitedAllowance()
		return nil
	}
	*a = FiniteAllowance(int(n))
	return nil
}

// Value implements driver.Valuer, encoding unlimited as the sentinel.
func (a Allowance) Value() (driver.Value, error) {
	if a.unlimited {
		return int64(allowanceUnlimitedSentinel), nil
	}
	return int64(a.remaining), nil
}

// GormDataType tells GORM which column type to migrate to.
func (Allowance) GormDataType() string {
	return "bigint"
}

// MarshalJSON renders finite allowances as numbers and unlimited ones as the
// string "unlimited".
func (a Allowance) MarshalJSON() ([]byte, error) {
	if a.unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(a.remaining)
}

// UnmarshalJSON accepts either a number or the string "unlimited".
func (a *Allowance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid allowance string %q", s)
		}
		*a = UnlimitedAllowance()
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid allowance value: %w", err)
	}
	*a = FiniteAllowance(n)
	return nil
}
