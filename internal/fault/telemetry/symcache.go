package telemetry

import (
	"fmt"

	"github.com/elastic/go-freelru"
)

// SymCache memoizes PC symbolization for the reporting side. Resolving
// a PC to a unit name walks collaborator data structures; reports
// resolve the same hot fault sites over and over, so an LRU in front
// pays for itself immediately. Never consulted from signal context.
type SymCache struct {
	lru *freelru.SyncedLRU[uintptr, string]
}

// hashPC mixes a PC down to the 32-bit hash freelru wants. Fibonacci
// hashing; code addresses share low and high bits heavily.
func hashPC(pc uintptr) uint32 {
	return uint32(uint64(pc) * 0x9E3779B97F4A7C15 >> 32)
}

// NewSymCache returns a cache holding up to capacity resolved names.
func NewSymCache(capacity uint32) (*SymCache, error) {
	lru, err := freelru.NewSynced[uintptr, string](capacity, hashPC)
	if err != nil {
		return nil, fmt.Errorf("creating symbolization cache: %w", err)
	}
	return &SymCache{lru: lru}, nil
}

// Resolve returns the cached name for pc, consulting resolve on a miss
// and caching its answer. Empty answers are cached too: an unknown PC
// stays unknown, and re-resolving it per report would defeat the cache
// exactly where it matters.
func (c *SymCache) Resolve(pc uintptr, resolve Symbolizer) string {
	if name, ok := c.lru.Get(pc); ok {
		return name
	}
	name := ""
	if resolve != nil {
		name = resolve(pc)
	}
	c.lru.Add(pc, name)
	return name
}

// Symbolizer adapts the cache to the profile-building signature.
func (c *SymCache) Symbolizer(resolve Symbolizer) Symbolizer {
	return func(pc uintptr) string { return c.Resolve(pc, resolve) }
}
