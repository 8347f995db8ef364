// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the DVFS coordinator.
//
// Failures fall into a small set of kinds, expressed as sentinel errors that
// structured errors wrap. Callers inspect them with errors.Is/errors.As:
//
//	_, err := mgr.AddDevice("gpu0", profile, "performance", nil)
//	if errors.IsAlreadyExists(err) {
//	    // a device with this identity is already registered
//	}
//
// Best-effort paths (governor migration, statistics updates inside a
// reevaluation) log and swallow their errors; everything surfaced through
// these types is of the propagated category.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the core can report.
var (
	// ErrInvalidArgument indicates a missing or malformed required field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates a lookup miss: device, governor, or
	// frequency-table entry.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate registration.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState indicates an operation precondition does not hold,
	// such as reevaluating a device with no governor attached.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupported indicates an operation that is not meaningful for the
	// device, such as transition statistics on a continuous-frequency device.
	ErrUnsupported = errors.New("unsupported")
)

// DeviceError represents a failure of a device-scoped operation.
type DeviceError struct {
	Op       string // Operation being performed (e.g., "reevaluate", "set min frequency")
	DeviceID string // Device involved
	Err      error  // Underlying error
}

func (e *DeviceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("device %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a new device error.
func NewDeviceError(op string, deviceID string, err error) *DeviceError {
	return &DeviceError{Op: op, DeviceID: deviceID, Err: err}
}

// IsDeviceError checks if an error is a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// GovernorError represents a failure of a governor-registry or
// governor-lifecycle operation.
type GovernorError struct {
	Op   string // Operation being performed (e.g., "register", "start", "switch")
	Name string // Governor name involved
	Err  error  // Underlying error
}

func (e *GovernorError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("governor %s (governor=%s): %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("governor %s: %v", e.Op, e.Err)
}

func (e *GovernorError) Unwrap() error {
	return e.Err
}

// NewGovernorError creates a new governor error.
func NewGovernorError(op string, name string, err error) *GovernorError {
	return &GovernorError{Op: op, Name: name, Err: err}
}

// IsGovernorError checks if an error is a GovernorError.
func IsGovernorError(err error) bool {
	var ge *GovernorError
	return errors.As(err, &ge)
}

// BackendError represents an opaque failure surfaced from the hardware
// backend, either from applying a frequency or from reading the live one.
type BackendError struct {
	Op       string // Operation being performed (e.g., "apply", "current frequency")
	DeviceID string // Device whose backend failed
	Err      error  // Underlying error from the backend
}

func (e *BackendError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("backend %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new backend error.
func NewBackendError(op string, deviceID string, err error) *BackendError {
	return &BackendError{Op: op, DeviceID: deviceID, Err: err}
}

// IsBackendError checks if an error is a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// StatsError represents a failure recording or formatting transition
// statistics.
type StatsError struct {
	Op  string // Operation being performed (e.g., "record", "format")
	Err error  // Underlying error
}

func (e *StatsError) Error() string {
	return fmt.Sprintf("stats %s: %v", e.Op, e.Err)
}

func (e *StatsError) Unwrap() error {
	return e.Err
}

// NewStatsError creates a new statistics error.
func NewStatsError(op string, err error) *StatsError {
	return &StatsError{Op: op, Err: err}
}

// IsStatsError checks if an error is a StatsError.
func IsStatsError(err error) bool {
	var se *StatsError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Kind helpers for the sentinel errors.

// IsInvalidArgument reports whether err wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsInvalidState reports whether err wraps ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsUnsupported reports whether err wraps ErrUnsupported.
func IsUnsupported(err error) bool { return errors.Is(err, ErrUnsupported) }
