// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

const (
	// DefaultGraceEpochs is the number of past epochs that stay watched.
	DefaultGraceEpochs = 2

	// DefaultFinalityDepth is the number of blocks a deposit or a
	// peg-out needs on top of it before it is final.
	DefaultFinalityDepth = 6

	// DefaultClaimRetryRounds is the number of rounds a reorged claim may
	// take to confirm again before it is rejected.
	DefaultClaimRetryRounds = 100

	// DefaultFeeTimeoutRounds bounds fee negotiation.
	DefaultFeeTimeoutRounds = 10

	// DefaultSigningTimeoutRounds bounds signature collection.
	DefaultSigningTimeoutRounds = 20

	// DefaultMinFeeRate is the lowest fee rate a vote is raised to.
	DefaultMinFeeRate btcunit.SatPerVByte = 1

	// DefaultMaxFeeRate is the highest fee rate a vote is lowered to.
	// Coin selection budgets fees at this rate.
	DefaultMaxFeeRate btcunit.SatPerVByte = 500

	// DefaultFallbackFeeRate is voted when the estimator fails.
	DefaultFallbackFeeRate btcunit.SatPerVByte = 10

	// DefaultObservationRetention is the number of blocks reports about
	// unclaimed deposits are kept.
	DefaultObservationRetention = 1008
)

// Config holds the federation parameters of one guardian. Every guardian
// of a federation must use the same values except for Self and
// SecretShare.
type Config struct {
	ChainParams *chaincfg.Params

	// Federation is the threshold and the ordered guardian keys.
	Federation *descriptor.AggregatePublicKey

	// Self is the id of the local guardian and SecretShare its key.
	Self        GuardianID
	SecretShare *btcec.PrivateKey

	Salt        [32]byte
	ActiveEpoch descriptor.Epoch
	GraceEpochs uint32

	FinalityDepth        int32
	ClaimRetryRounds     uint64
	FeeTimeoutRounds     uint64
	SigningTimeoutRounds uint64

	MinFeeRate      btcunit.SatPerVByte
	MaxFeeRate      btcunit.SatPerVByte
	FallbackFeeRate btcunit.SatPerVByte
	RelayFeePerKb   btcutil.Amount

	ObservationRetention int32
}

// DefaultConfig returns a config with the default timing and fee values.
// The federation and the key share must still be filled in.
func DefaultConfig(params *chaincfg.Params) *Config {
	return &Config{
		ChainParams:          params,
		GraceEpochs:          DefaultGraceEpochs,
		FinalityDepth:        DefaultFinalityDepth,
		ClaimRetryRounds:     DefaultClaimRetryRounds,
		FeeTimeoutRounds:     DefaultFeeTimeoutRounds,
		SigningTimeoutRounds: DefaultSigningTimeoutRounds,
		MinFeeRate:           DefaultMinFeeRate,
		MaxFeeRate:           DefaultMaxFeeRate,
		FallbackFeeRate:      DefaultFallbackFeeRate,
		RelayFeePerKb:        txrules.DefaultRelayFeePerKb,
		ObservationRetention: DefaultObservationRetention,
	}
}

// ConsensusFingerprint commits to every parameter that changes how batches
// are applied or which transaction is built: the network, the federation,
// the finality depth, the round limits, the fee bounds and the relay fee.
// FallbackFeeRate only affects the local vote and is left out.
func (c *Config) ConsensusFingerprint() [8]byte {
	fp := c.Federation.Fingerprint()

	b := make([]byte, 0, 80)
	b = append(b, fp[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(c.ChainParams.Net))
	b = binary.BigEndian.AppendUint32(b, c.GraceEpochs)
	b = binary.BigEndian.AppendUint32(b, uint32(c.FinalityDepth))
	b = binary.BigEndian.AppendUint64(b, c.ClaimRetryRounds)
	b = binary.BigEndian.AppendUint64(b, c.FeeTimeoutRounds)
	b = binary.BigEndian.AppendUint64(b, c.SigningTimeoutRounds)
	b = binary.BigEndian.AppendUint64(b, uint64(c.MinFeeRate))
	b = binary.BigEndian.AppendUint64(b, uint64(c.MaxFeeRate))
	b = binary.BigEndian.AppendUint64(b, uint64(c.RelayFeePerKb))
	b = binary.BigEndian.AppendUint32(b, uint32(c.ObservationRetention))

	var out [8]byte
	copy(out[:], chainhash.HashB(b))
	return out
}

// Threshold returns the number of guardians needed to agree.
func (c *Config) Threshold() int {
	return int(c.Federation.Threshold)
}

// Validate checks the config. Every error is an ErrFatalConfig.
func (c *Config) Validate() error {
	fatal := func(format string, args ...interface{}) error {
		return newError(ErrFatalConfig, fmt.Sprintf(format, args...), nil)
	}

	if c.ChainParams == nil {
		return fatal("no chain parameters")
	}
	if c.Federation == nil {
		return fatal("no federation keys")
	}

	_, err := descriptor.NewAggregatePublicKey(
		c.Federation.Threshold, c.Federation.Keys,
	)
	if err != nil {
		return newError(ErrFatalConfig, "invalid federation", err)
	}

	if int(c.Self) >= len(c.Federation.Keys) {
		return fatal("guardian id %d out of range for %d guardians",
			c.Self, len(c.Federation.Keys))
	}
	if c.SecretShare == nil {
		return fatal("no key share")
	}
	if !c.SecretShare.PubKey().IsEqual(c.Federation.Keys[c.Self]) {
		return fatal("key share does not belong to guardian %d",
			c.Self)
	}

	switch {
	case c.FinalityDepth < 1:
		return fatal("finality depth must be at least 1")
	case c.FeeTimeoutRounds == 0:
		return fatal("fee timeout must be at least one round")
	case c.SigningTimeoutRounds == 0:
		return fatal("signing timeout must be at least one round")
	case c.ClaimRetryRounds == 0:
		return fatal("claim retry window must be at least one round")
	case c.MinFeeRate < 1:
		return fatal("minimum fee rate must be at least 1 sat/vb")
	case c.MaxFeeRate < c.MinFeeRate:
		return fatal("maximum fee rate %v below minimum %v",
			c.MaxFeeRate, c.MinFeeRate)
	case c.FallbackFeeRate < c.MinFeeRate ||
		c.FallbackFeeRate > c.MaxFeeRate:
		return fatal("fallback fee rate %v outside of [%v, %v]",
			c.FallbackFeeRate, c.MinFeeRate, c.MaxFeeRate)
	case c.RelayFeePerKb < 0:
		return fatal("negative relay fee")
	case c.ObservationRetention < c.FinalityDepth:
		return fatal("observation retention %d below finality depth "+
			"%d", c.ObservationRetention, c.FinalityDepth)
	}

	return nil
}
