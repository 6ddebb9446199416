package pricing

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned when rule documents cannot form a usable RuleSet.
	ErrConfig = errors.New("pricing configuration error")

	// ErrUnknownRate is returned when a rate code is not in the rate table.
	ErrUnknownRate = errors.New("unknown rate code")

	// ErrInvalidQuantity is returned for negative quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// ConfigError describes why a rule set was refused.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rules: %s: %v", e.Reason, e.Err)
	}
	return "rules: " + e.Reason
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfig, e.Err}
	}
	return []error{ErrConfig}
}

// UnknownRateError names the missing rate code.
type UnknownRateError struct {
	Code string
}

func (e *UnknownRateError) Error() string {
	return fmt.Sprintf("unknown rate code %q", e.Code)
}

func (e *UnknownRateError) Unwrap() error {
	return ErrUnknownRate
}
