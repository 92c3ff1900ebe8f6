// Package registry tracks the channels the router is currently a party to and
// answers lookups by address or by counterparty identity.
package registry

import (
	"sync"

	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// Registry is an in-memory channel index. It is refreshed from engine state
// updates and read on every forward, so lookups take a read lock only.
type Registry struct {
	routerIdentifier string

	mu        sync.RWMutex
	byAddress map[string]schema.Channel
	byPeer    map[peerKey]string
}

type peerKey struct {
	identifier string
	chainID    int64
}

// New builds an empty registry for the router identified by routerIdentifier.
func New(routerIdentifier string) *Registry {
	r := new(Registry)
	r.routerIdentifier = routerIdentifier
	r.byAddress = make(map[string]schema.Channel)
	r.byPeer = make(map[peerKey]string)
	return r
}

// RouterIdentifier returns the public identifier the registry indexes against.
func (r *Registry) RouterIdentifier() string {
	return r.routerIdentifier
}

// Upsert records the latest known state of a channel. Stale updates, ones
// whose sequence is behind the stored channel, are ignored.
func (r *Registry) Upsert(channel schema.Channel) {
	if channel.Address == "" {
		return
	}
	counterparty := channel.CounterpartyOf(r.routerIdentifier)
	if counterparty == "" {
		observability.Log().Warn("registry: channel without router as participant",
			observability.F("channelAddress", channel.Address))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.byAddress[channel.Address]; exists &&
		prev.LatestUpdateSequence > channel.LatestUpdateSequence {
		return
	}
	r.byAddress[channel.Address] = channel
	r.byPeer[peerKey{identifier: counterparty, chainID: channel.ChainID}] = channel.Address
}

// Remove drops a channel from the index.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.byAddress[address]
	if !ok {
		return
	}
	delete(r.byAddress, address)
	if counterparty := channel.CounterpartyOf(r.routerIdentifier); counterparty != "" {
		key := peerKey{identifier: counterparty, chainID: channel.ChainID}
		if r.byPeer[key] == address {
			delete(r.byPeer, key)
		}
	}
}

// ByAddress returns the channel stored at address.
func (r *Registry) ByAddress(address string) (schema.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.byAddress[address]
	return channel, ok
}

// ByCounterparty returns the channel shared with the identified peer on the
// given chain.
func (r *Registry) ByCounterparty(identifier string, chainID int64) (schema.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	address, ok := r.byPeer[peerKey{identifier: identifier, chainID: chainID}]
	if !ok {
		return schema.Channel{}, false
	}
	channel, ok := r.byAddress[address]
	return channel, ok
}

// All returns a snapshot of every tracked channel.
func (r *Registry) All() []schema.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]schema.Channel, 0, len(r.byAddress))
	for _, channel := range r.byAddress {
		channels = append(channels, channel)
	}
	return channels
}
