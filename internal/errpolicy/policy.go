// Package errpolicy selects how invariant violations are reported.
//
// A Policy is chosen once per configuration and applied uniformly: FailFast
// returns the error to the caller, BestEffort logs it and lets the caller
// continue with an empty result.
package errpolicy

import (
	"fmt"
	"log/slog"
)

// Policy is the error reporting mode.
type Policy int

// Supported policies.
const (
	FailFast Policy = iota
	BestEffort
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Parse converts a policy name into a Policy.
func Parse(s string) (Policy, error) {
	switch s {
	case "fail-fast", "failfast", "strict":
		return FailFast, nil
	case "best-effort", "besteffort", "lenient":
		return BestEffort, nil
	default:
		return FailFast, fmt.Errorf("unknown error policy %q", s)
	}
}

// Report applies the policy to err. Under FailFast it returns err unchanged.
// Under BestEffort it writes a warning with the given attributes and returns nil.
func (p Policy) Report(logger *slog.Logger, err error, args ...any) error {
	if err == nil {
		return nil
	}
	if p == FailFast {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(err.Error(), args...)
	return nil
}
