// Package dedupe guards one sync walk against records reappearing across
// pages, which token pagination permits when the underlying list shifts
// between requests.
package dedupe

import (
	"hash/fnv"
	"sync"

	"github.com/omnivault/sync-engine/models"
)

// Deduper records node keys it has seen. Implementations are safe for
// concurrent use.
type Deduper interface {
	AddIfNotExists(key models.NodeKey) bool
	Len() int
}

func New() Deduper {
	return &hashmap{seen: make(map[uint64]struct{})}
}

var _ Deduper = (*hashmap)(nil)

type hashmap struct {
	mux  sync.RWMutex
	seen map[uint64]struct{}
}

func (d *hashmap) AddIfNotExists(key models.NodeKey) bool {
	h := hash(key)

	d.mux.RLock()
	if _, ok := d.seen[h]; ok {
		d.mux.RUnlock()

		return false
	}
	d.mux.RUnlock()

	d.mux.Lock()
	defer d.mux.Unlock()

	if _, ok := d.seen[h]; ok {
		return false
	}

	d.seen[h] = struct{}{}

	return true
}

func (d *hashmap) Len() int {
	d.mux.RLock()
	defer d.mux.RUnlock()

	return len(d.seen)
}

func hash(key models.NodeKey) uint64 {
	h := fnv.New64()
	h.Write([]byte(key.Provider))
	h.Write([]byte{0})
	h.Write([]byte(key.ExternalID))

	return h.Sum64()
}
