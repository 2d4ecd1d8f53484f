// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides the size and fee rate units used when building
// federation transactions.
package btcunit

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// SatsPerKilo is the number of satoshis in a kilo-satoshi.
const SatsPerKilo = 1000

// SatPerVByte is a fee rate in whole satoshis per virtual byte. Guardians
// vote and agree on rates of this unit, so it is kept integral to make the
// aggregation exact.
type SatPerVByte uint64

// NewSatPerVByteFromKVB converts a rate in sat/kvB to sat/vB, rounding up
// so the resulting rate is never below the given one.
func NewSatPerVByteFromKVB(perKVB btcutil.Amount) SatPerVByte {
	if perKVB <= 0 {
		return 0
	}
	return SatPerVByte((uint64(perKVB) + SatsPerKilo - 1) / SatsPerKilo)
}

// FeeForVSize returns the fee paid by a transaction of the given size.
func (s SatPerVByte) FeeForVSize(vb VByte) btcutil.Amount {
	fee := uint64(s) * vb.Val()
	if fee > math.MaxInt64 {
		return btcutil.Amount(math.MaxInt64)
	}
	return btcutil.Amount(fee)
}

// FeeForWeight returns the fee paid by a transaction of the given weight.
func (s SatPerVByte) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return s.FeeForVSize(wu.ToVB())
}

// FeePerKVByte converts the rate to sat/kvB, the unit relay policy is
// expressed in.
func (s SatPerVByte) FeePerKVByte() btcutil.Amount {
	return btcutil.Amount(uint64(s) * SatsPerKilo)
}

// FeePerKWeight converts the rate to sat/kw.
func (s SatPerVByte) FeePerKWeight() btcutil.Amount {
	return btcutil.Amount(
		uint64(s) * SatsPerKilo / blockchain.WitnessScaleFactor,
	)
}

// Clamp bounds the rate to [lo, hi].
func (s SatPerVByte) Clamp(lo, hi SatPerVByte) SatPerVByte {
	switch {
	case s < lo:
		return lo
	case s > hi:
		return hi
	default:
		return s
	}
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", uint64(s))
}
