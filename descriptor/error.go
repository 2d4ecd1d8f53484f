// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrInvalidThreshold indicates a threshold that is below one or above
	// the number of guardian keys.
	ErrInvalidThreshold ErrorCode = iota

	// ErrTooFewKeys indicates that no guardian keys were supplied.
	ErrTooFewKeys

	// ErrTooManyKeys indicates more guardian keys than a single
	// CHECKMULTISIG can hold.
	ErrTooManyKeys

	// ErrKeyDuplicate indicates that a guardian key is duplicated.
	ErrKeyDuplicate

	// ErrKeyTweak indicates a failure to apply the epoch tweak to a key.
	ErrKeyTweak

	// ErrScriptCreation indicates that the creation of a custody script
	// failed.
	ErrScriptCreation

	// ErrUnknownEpoch indicates an epoch that is not watched.
	ErrUnknownEpoch

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidThreshold: "ErrInvalidThreshold",
	ErrTooFewKeys:       "ErrTooFewKeys",
	ErrTooManyKeys:      "ErrTooManyKeys",
	ErrKeyDuplicate:     "ErrKeyDuplicate",
	ErrKeyTweak:         "ErrKeyTweak",
	ErrScriptCreation:   "ErrScriptCreation",
	ErrUnknownEpoch:     "ErrUnknownEpoch",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising while deriving custody
// descriptors.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates a new Error.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}
