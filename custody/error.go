// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrFatalConfig indicates inconsistent federation parameters. It is
	// only returned at startup.
	ErrFatalConfig ErrorCode = iota

	// ErrInvalidProof indicates a peg-in claim whose proof does not show a
	// deposit to a watched descriptor.
	ErrInvalidProof

	// ErrInvalidAmount indicates a zero, negative or otherwise unusable
	// amount.
	ErrInvalidAmount

	// ErrInvalidDestination indicates a peg-out destination script that
	// is non-standard or would create a dust output.
	ErrInvalidDestination

	// ErrInsufficientFunds indicates that the unreserved outputs do not
	// cover a request and its fee.
	ErrInsufficientFunds

	// ErrUnknownEpoch indicates an epoch outside of the watched window.
	ErrUnknownEpoch

	// ErrUnknownClaim indicates a claim id that has never been processed.
	ErrUnknownClaim

	// ErrUnknownRequest indicates a peg-out request id that has never
	// been processed.
	ErrUnknownRequest

	// ErrNotCancellable indicates a cancellation of a request that has
	// progressed past fee agreement.
	ErrNotCancellable

	// ErrInvalidItem indicates a consensus item that could not be decoded
	// or is malformed.
	ErrInvalidItem

	// ErrConsensusConflict indicates a consensus item that contradicts
	// already agreed state, such as a duplicate claim.
	ErrConsensusConflict

	// ErrReorgInvalidation indicates that the block a deposit was
	// confirmed in left the main chain.
	ErrReorgInvalidation

	// ErrThresholdNotReached indicates that not enough guardians agreed
	// before a timeout.
	ErrThresholdNotReached

	// ErrBroadcastRejected indicates that the network refused a fully
	// signed transaction.
	ErrBroadcastRejected

	// ErrCancelled indicates a request cancelled before signing.
	ErrCancelled

	// ErrInvalidShare indicates a signature share that failed
	// verification.
	ErrInvalidShare

	// ErrAlreadyReserved indicates an attempt to reserve an output that
	// is reserved by another request.
	ErrAlreadyReserved

	// ErrReservationNotFound indicates a release or spend of a
	// reservation that does not exist anymore.
	ErrReservationNotFound

	// ErrUnknownOutput indicates an outpoint that is not in the ledger.
	ErrUnknownOutput

	// ErrDuplicateCredit indicates an attempt to credit an outpoint twice.
	ErrDuplicateCredit

	// ErrAuditFailed indicates that the ledger total does not match the
	// sum of credits minus spends.
	ErrAuditFailed

	// ErrTxSigning indicates an error when signing a transaction.
	ErrTxSigning

	// ErrTxMismatch indicates that a transaction differs from the one the
	// federation agreed on.
	ErrTxMismatch

	// ErrSerialization indicates an error while encoding or decoding
	// stored records or consensus items.
	ErrSerialization

	// ErrDatabase indicates an error with the underlying database.
	ErrDatabase

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrFatalConfig:         "ErrFatalConfig",
	ErrInvalidProof:        "ErrInvalidProof",
	ErrInvalidAmount:       "ErrInvalidAmount",
	ErrInvalidDestination:  "ErrInvalidDestination",
	ErrInsufficientFunds:   "ErrInsufficientFunds",
	ErrUnknownEpoch:        "ErrUnknownEpoch",
	ErrUnknownClaim:        "ErrUnknownClaim",
	ErrUnknownRequest:      "ErrUnknownRequest",
	ErrNotCancellable:      "ErrNotCancellable",
	ErrInvalidItem:         "ErrInvalidItem",
	ErrConsensusConflict:   "ErrConsensusConflict",
	ErrReorgInvalidation:   "ErrReorgInvalidation",
	ErrThresholdNotReached: "ErrThresholdNotReached",
	ErrBroadcastRejected:   "ErrBroadcastRejected",
	ErrCancelled:           "ErrCancelled",
	ErrInvalidShare:        "ErrInvalidShare",
	ErrAlreadyReserved:     "ErrAlreadyReserved",
	ErrReservationNotFound: "ErrReservationNotFound",
	ErrUnknownOutput:       "ErrUnknownOutput",
	ErrDuplicateCredit:     "ErrDuplicateCredit",
	ErrAuditFailed:         "ErrAuditFailed",
	ErrTxSigning:           "ErrTxSigning",
	ErrTxMismatch:          "ErrTxMismatch",
	ErrSerialization:       "ErrSerialization",
	ErrDatabase:            "ErrDatabase",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising during the operation of the
// custody module.
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

// IsError reports whether err is an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var cErr Error
	return errors.As(err, &cErr) && cErr.ErrorCode == code
}

// errorCode returns the code of err, or ok=false if err is not an Error.
func errorCode(err error) (ErrorCode, bool) {
	var cErr Error
	if !errors.As(err, &cErr) {
		return 0, false
	}
	return cErr.ErrorCode, true
}
