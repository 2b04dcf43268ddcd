package store

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// KeyLocks serialises operations on the same key while letting different
// keys proceed in parallel. Keys hash onto a fixed set of mutexes, so two
// keys may occasionally share a stripe.
type KeyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires the stripe for key and returns its unlock func.
func (k *KeyLocks) Lock(key string) func() {
	m := &k.stripes[stripe(key)]
	m.Lock()
	return m.Unlock
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
