// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the number of descriptors kept for epochs that
// are outside of the watched window.
const defaultCacheSize = 64

// Registry hands out descriptors for a federation. The active epoch and
// GraceEpochs epochs before it are watched; their descriptors are derived
// up front. Descriptors of other epochs are derived on demand and cached.
type Registry struct {
	agg    *AggregatePublicKey
	salt   [32]byte
	active Epoch
	grace  uint32

	watched  []*Descriptor
	byScript map[string]*Descriptor
	cache    *lru.Cache[Epoch, *Descriptor]
}

// NewRegistry derives the watched descriptors for the federation.
func NewRegistry(agg *AggregatePublicKey, salt [32]byte, active Epoch,
	grace uint32) (*Registry, error) {

	if err := agg.validate(); err != nil {
		return nil, err
	}

	cache, err := lru.New[Epoch, *Descriptor](defaultCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		agg:      agg,
		salt:     salt,
		active:   active,
		grace:    grace,
		byScript: make(map[string]*Descriptor),
		cache:    cache,
	}

	first := Epoch(0)
	if uint32(active) > grace {
		first = active - Epoch(grace)
	}
	for e := first; ; e++ {
		d, err := r.Descriptor(e)
		if err != nil {
			return nil, err
		}
		r.watched = append(r.watched, d)
		r.byScript[string(d.PkScript)] = d

		if e == active {
			break
		}
	}

	return r, nil
}

// Federation returns the aggregate key the registry derives from.
func (r *Registry) Federation() *AggregatePublicKey {
	return r.agg
}

// Salt returns the tweak salt.
func (r *Registry) Salt() [32]byte {
	return r.salt
}

// Active returns the descriptor deposits and change are sent to.
func (r *Registry) Active() *Descriptor {
	return r.watched[len(r.watched)-1]
}

// Watched returns the watched descriptors in ascending epoch order.
func (r *Registry) Watched() []*Descriptor {
	return append([]*Descriptor(nil), r.watched...)
}

// IsWatched reports whether deposits to the given epoch are accepted.
func (r *Registry) IsWatched(epoch Epoch) bool {
	return epoch <= r.active && epoch >= r.watched[0].Epoch
}

// WatchedDescriptor returns the descriptor of a watched epoch.
func (r *Registry) WatchedDescriptor(epoch Epoch) (*Descriptor, error) {
	if !r.IsWatched(epoch) {
		str := fmt.Sprintf("epoch %d is outside of the watched window "+
			"[%d, %d]", epoch, r.watched[0].Epoch, r.active)
		return nil, newError(ErrUnknownEpoch, str, nil)
	}
	return r.watched[epoch-r.watched[0].Epoch], nil
}

// ByPkScript looks up a watched descriptor by its output script.
func (r *Registry) ByPkScript(pkScript []byte) (*Descriptor, bool) {
	d, ok := r.byScript[string(pkScript)]
	return d, ok
}

// Descriptor returns the descriptor of any epoch.
func (r *Registry) Descriptor(epoch Epoch) (*Descriptor, error) {
	if d, ok := r.cache.Get(epoch); ok {
		return d, nil
	}

	d, err := DeriveDescriptor(r.agg, r.salt, epoch)
	if err != nil {
		return nil, err
	}
	r.cache.Add(epoch, d)

	return d, nil
}
