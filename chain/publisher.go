// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultRetryBase is the first delay between broadcast attempts.
	DefaultRetryBase = 500 * time.Millisecond

	// DefaultMaxRetries bounds the number of retries of a transient
	// broadcast failure.
	DefaultMaxRetries = 5
)

// RetryPublisher retries transient broadcast failures with exponential
// backoff. Permanent rejections are returned immediately and a transaction
// the backend already knows is reported as a success.
type RetryPublisher struct {
	pub        Publisher
	base       time.Duration
	maxRetries uint64
}

// A compile-time assertion to ensure RetryPublisher satisfies Publisher.
var _ Publisher = (*RetryPublisher)(nil)

// NewRetryPublisher wraps pub.
func NewRetryPublisher(pub Publisher, base time.Duration,
	maxRetries uint64) *RetryPublisher {

	if base <= 0 {
		base = DefaultRetryBase
	}

	return &RetryPublisher{
		pub:        pub,
		base:       base,
		maxRetries: maxRetries,
	}
}

// Broadcast publishes tx.
func (r *RetryPublisher) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	backoff := retry.WithMaxRetries(
		r.maxRetries, retry.NewExponential(r.base),
	)

	txid := tx.TxHash()
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		err := r.pub.Broadcast(ctx, tx)
		switch {
		case err == nil:
			log.Infof("Broadcast tx %v", txid)
			return nil

		case errors.Is(err, ErrTxAlreadyKnown):
			log.Debugf("Tx %v already known to backend", txid)
			return nil

		case IsPermanent(err):
			log.Warnf("Tx %v rejected: %v", txid, err)
			return err

		default:
			log.Warnf("Broadcast of tx %v failed (attempt %d): %v",
				txid, attempt, err)
			return retry.RetryableError(err)
		}
	})
}
