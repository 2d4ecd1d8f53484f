// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"strconv"
	"strings"

	"github.com/fedguard/fedwallet/pkg/btcunit"
)

// FeeRateFlag embeds a btcunit.SatPerVByte and implements the
// flags.Marshaler and Unmarshaler interfaces so it can be used as a config
// struct field. Values are whole sat/vB with an optional unit suffix.
type FeeRateFlag struct {
	btcunit.SatPerVByte
}

// NewFeeRateFlag creates a FeeRateFlag with a default rate.
func NewFeeRateFlag(defaultValue btcunit.SatPerVByte) *FeeRateFlag {
	return &FeeRateFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FeeRateFlag) MarshalFlag() (string, error) {
	return strconv.FormatUint(uint64(f.SatPerVByte), 10), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FeeRateFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.ToLower(value), "sat/vb")
	value = strings.TrimSpace(value)
	rate, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return err
	}
	f.SatPerVByte = btcunit.SatPerVByte(rate)
	return nil
}
