// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params groups the chain parameters of a network with the default port of
// the node RPC server guardians connect to.
type Params struct {
	*chaincfg.Params
	RPCClientPort string
}

// MainNetParams contains parameters specific to the main network.
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	RPCClientPort: "8332",
}

// TestNet3Params contains parameters specific to the test network
// (version 3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	RPCClientPort: "18332",
}

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	RPCClientPort: "38332",
}

// RegressionNetParams contains parameters specific to the regression test
// network.
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	RPCClientPort: "18443",
}

// SimNetParams contains parameters specific to the simulation test network.
var SimNetParams = Params{
	Params:        &chaincfg.SimNetParams,
	RPCClientPort: "18556",
}

// ByName returns the parameters of the named network.
func ByName(name string) (*Params, error) {
	switch name {
	case "mainnet":
		return &MainNetParams, nil
	case "testnet", "testnet3":
		return &TestNet3Params, nil
	case "signet":
		return &SigNetParams, nil
	case "regtest":
		return &RegressionNetParams, nil
	case "simnet":
		return &SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}
