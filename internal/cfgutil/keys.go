// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PublicKeyFlag is a compressed secp256k1 public key given in hex. It can
// be used as a config struct field, including repeated ones.
type PublicKeyFlag struct {
	*btcec.PublicKey
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (k *PublicKeyFlag) MarshalFlag() (string, error) {
	if k.PublicKey == nil {
		return "", nil
	}
	return hex.EncodeToString(k.SerializeCompressed()), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (k *PublicKeyFlag) UnmarshalFlag(value string) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return err
	}
	if len(b) != btcec.PubKeyBytesLenCompressed {
		return fmt.Errorf("public key must be %d bytes compressed, got "+
			"%d", btcec.PubKeyBytesLenCompressed, len(b))
	}

	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return err
	}
	k.PublicKey = pub
	return nil
}

// SaltFlag is a 32 byte value given in hex.
type SaltFlag [32]byte

// MarshalFlag satisfies the flags.Marshaler interface.
func (s *SaltFlag) MarshalFlag() (string, error) {
	return hex.EncodeToString(s[:]), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (s *SaltFlag) UnmarshalFlag(value string) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return err
	}
	if len(b) != len(s) {
		return fmt.Errorf("salt must be %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return nil
}
