// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTxAlreadyKnown is returned when the backend already has the
	// transaction, either in its mempool or in a block.
	ErrTxAlreadyKnown = errors.New("transaction already known")

	// ErrTxRejected is the parent of every permanent rejection.
	ErrTxRejected = errors.New("transaction rejected")

	// ErrInsufficientFee is returned when the fee does not meet the
	// backend's minimum relay or mempool fee.
	ErrInsufficientFee = fmt.Errorf("%w: insufficient fee", ErrTxRejected)

	// ErrMissingInputs is returned when an input is unknown or already
	// spent.
	ErrMissingInputs = fmt.Errorf("%w: missing or spent inputs",
		ErrTxRejected)

	// ErrMempoolConflict is returned when the transaction conflicts with
	// one in the mempool.
	ErrMempoolConflict = fmt.Errorf("%w: mempool conflict", ErrTxRejected)

	// ErrNonStandard is returned for transactions that violate policy.
	ErrNonStandard = fmt.Errorf("%w: non-standard", ErrTxRejected)

	// ErrBackendUnavailable wraps errors of an unreachable backend.
	ErrBackendUnavailable = errors.New("chain backend unavailable")
)

// rejectErrs maps error strings of both btcd and bitcoind to the errors
// defined above. Patterns are tried in order, so more specific ones come
// first.
var rejectErrs = []struct {
	pattern string
	err     error
}{
	// bitcoind.
	{"txn-already-in-mempool", ErrTxAlreadyKnown},
	{"txn-already-known", ErrTxAlreadyKnown},
	{"transaction already in block chain", ErrTxAlreadyKnown},
	{"bad-txns-inputs-missingorspent", ErrMissingInputs},
	{"missing-inputs", ErrMissingInputs},
	{"txn-mempool-conflict", ErrMempoolConflict},
	{"min relay fee not met", ErrInsufficientFee},
	{"mempool min fee not met", ErrInsufficientFee},
	{"insufficient fee", ErrInsufficientFee},
	{"non-mandatory-script-verify-flag", ErrNonStandard},
	{"dust", ErrNonStandard},

	// btcd.
	{"already have transaction", ErrTxAlreadyKnown},
	{"transaction already exists", ErrTxAlreadyKnown},
	{"already spent by transaction", ErrMempoolConflict},
	{"output already spent", ErrMissingInputs},
	{"orphan transaction", ErrMissingInputs},
	{"fees are under the required amount", ErrInsufficientFee},
	{"has insufficient priority", ErrInsufficientFee},
	{"is not standard", ErrNonStandard},
	{"is non-standard", ErrNonStandard},
}

// matchErrStr takes an error returned from RPC client and matches it against
// the specified string. If the expected string pattern is found in the error
// passed, return true. Both the error strings are normalized before matching.
func matchErrStr(err error, s string) bool {
	// Replace all dashes found in the error string with spaces.
	strippedErrStr := strings.ReplaceAll(err.Error(), "-", " ")

	// Replace all dashes found in the match string with spaces.
	strippedMatchStr := strings.ReplaceAll(s, "-", " ")

	// Match against the lowercase.
	return strings.Contains(
		strings.ToLower(strippedErrStr),
		strings.ToLower(strippedMatchStr),
	)
}

// MapBroadcastErr maps a raw backend error to one of the errors above. The
// original message is kept. Errors that match nothing are returned as is
// and are treated as transient by callers.
func MapBroadcastErr(rpcErr error) error {
	if rpcErr == nil {
		return nil
	}

	for _, r := range rejectErrs {
		if matchErrStr(rpcErr, r.pattern) {
			return fmt.Errorf("%w: %v", r.err, rpcErr)
		}
	}

	return rpcErr
}

// IsPermanent reports whether a broadcast error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTxRejected) || errors.Is(err, ErrTxAlreadyKnown)
}
