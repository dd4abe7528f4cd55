package cart

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRules is returned by Rules.Validate.
var ErrInvalidRules = errors.New("invalid amount rules")

// maxAmountDigits bounds free-text input well below int64 overflow.
const maxAmountDigits = 15

// Rules constrain wager amounts to multiples of Step, never below Min.
type Rules struct {
	Step int64 `json:"step" yaml:"step"`
	Min  int64 `json:"min" yaml:"min"`
}

// DefaultRules returns the standard 10.000 step with a 10.000 floor.
func DefaultRules() Rules {
	return Rules{Step: 10000, Min: 10000}
}

// Validate checks that Step is positive and Min is a multiple of Step.
func (r Rules) Validate() error {
	if r.Step <= 0 {
		return fmt.Errorf("%w: step must be positive", ErrInvalidRules)
	}
	if r.Min < r.Step || r.Min%r.Step != 0 {
		return fmt.Errorf("%w: min must be a positive multiple of step", ErrInvalidRules)
	}
	return nil
}

// Round snaps n to the nearest multiple of Step (halves round up) and applies
// the Min floor.
func (r Rules) Round(n int64) int64 {
	if n < 0 {
		n = 0
	}
	n = (n + r.Step/2) / r.Step * r.Step
	if n < r.Min {
		return r.Min
	}
	return n
}

// StepBy moves amount by dir steps, keeping the result on the grid and at or
// above Min.
func (r Rules) StepBy(amount int64, dir int) int64 {
	return r.Round(amount + int64(dir)*r.Step)
}

// CoerceAmount parses free-text input such as "25.000" or "25,000 đ" and
// snaps it to the grid. Grouping separators and currency marks are ignored.
// It reports false for input with no digits, a minus sign, or an absurd
// length; the caller keeps the previous amount in that case.
func CoerceAmount(raw string, r Rules) (int64, bool) {
	var digits strings.Builder
	for _, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			digits.WriteRune(ch)
		case ch == '-':
			return 0, false
		}
	}
	s := strings.TrimLeft(digits.String(), "0")
	if digits.Len() == 0 {
		return 0, false
	}
	if len(s) > maxAmountDigits {
		return 0, false
	}
	if s == "" {
		return r.Round(0), true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return r.Round(n), true
}
