// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching of the typed errors below
var (
	ErrConfig       = errors.New("configuration error")
	ErrProviderIO   = errors.New("provider i/o error")
	ErrParse        = errors.New("parse error")
	ErrTimeout      = errors.New("provider timeout")
	ErrRegistration = errors.New("registration error")
)

// ConfigError is returned for malformed or duplicate registrations at
// initialization. It is fatal to startup.
type ConfigError struct {
	Msg string
	Err error
}

// NewConfigError formats the message like fmt.Errorf; an operand of %w
// becomes the cause
func NewConfigError(format string, args ...any) ConfigError {
	err := fmt.Errorf(format, args...)
	return ConfigError{Msg: err.Error(), Err: errors.Unwrap(err)}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Msg)
}

func (e ConfigError) Unwrap() error {
	return e.Err
}

func (e ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ProviderIOError is returned when a telemetry source cannot be read. It only
// affects the entities of the provider that failed.
type ProviderIOError struct {
	Provider string
	EntityID uint32
	Err      error
}

func (e ProviderIOError) Error() string {
	return fmt.Sprintf("provider %s: entity %d: %v", e.Provider, e.EntityID, e.Err)
}

func (e ProviderIOError) Unwrap() error {
	return e.Err
}

func (e ProviderIOError) Is(target error) bool {
	return target == ErrProviderIO
}

// ParseError records a single field whose numeric token could not be parsed.
type ParseError struct {
	EntityID uint32
	State    string
	Prefix   string
	Token    string
	Err      error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("entity %d state %q: cannot parse %q after %q: %v",
		e.EntityID, e.State, e.Token, e.Prefix, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

func (e ParseError) Is(target error) bool {
	return target == ErrParse
}

// TimeoutError is returned when a provider exceeds its polling budget. The
// aggregation engine treats it like a ProviderIOError.
type TimeoutError struct {
	Provider string
	Budget   time.Duration
	Err      error
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("provider %s exceeded %s", e.Provider, e.Budget)
}

func (e TimeoutError) Unwrap() error {
	return e.Err
}

func (e TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrProviderIO
}

// RegistrationError is returned by the push cache for duplicate or unknown
// entity/state registrations. It is fatal to that call only.
type RegistrationError struct {
	EntityID uint32
	State    string
	Msg      string
	Err      error
}

func (e RegistrationError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.State == "" {
		return fmt.Sprintf("entity %d: %s", e.EntityID, msg)
	}
	return fmt.Sprintf("entity %d state %q: %s", e.EntityID, e.State, msg)
}

func (e RegistrationError) Unwrap() error {
	return e.Err
}

func (e RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}
