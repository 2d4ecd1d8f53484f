// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import "net"

// ExplicitAddress is a host:port value implementing the flags.Marshaler and
// flags.Unmarshaler interfaces. It records whether the value was set by the
// flags package so a network specific default can replace an unset one.
type ExplicitAddress struct {
	Value         string
	explicitlySet bool
}

// NewExplicitAddress creates an address flag with the provided default.
func NewExplicitAddress(defaultValue string) *ExplicitAddress {
	return &ExplicitAddress{Value: defaultValue}
}

// ExplicitlySet returns whether the flag was explicitly set through the
// flags.Unmarshaler interface.
func (e *ExplicitAddress) ExplicitlySet() bool { return e.explicitlySet }

// MarshalFlag implements the flags.Marshaler interface.
func (e *ExplicitAddress) MarshalFlag() (string, error) { return e.Value, nil }

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (e *ExplicitAddress) UnmarshalFlag(value string) error {
	e.Value = value
	e.explicitlySet = true
	return nil
}

// Normalize returns the address with defaultPort added when it has none.
func (e *ExplicitAddress) Normalize(defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(e.Value)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	// Only a missing port is fixed up. If adding one does not help, the
	// original error describes the problem.
	addr := net.JoinHostPort(e.Value, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}
	return addr, nil
}
