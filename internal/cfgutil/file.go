// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadKeyShare reads a hex encoded secp256k1 private key from filePath.
// Surrounding whitespace is ignored.
func ReadKeyShare(filePath string) (*btcec.PrivateKey, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	b, err := hex.DecodeString(strings.TrimSpace(string(content)))
	clear(content)
	defer clear(b)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", filePath, err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("key file %s: key is %d bytes, want %d",
			filePath, len(b), btcec.PrivKeyBytesLen)
	}

	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}
