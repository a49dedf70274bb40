// Package keylock provides striped mutexes so unrelated keys never contend on one lock.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultStripes = 64

type Striped struct {
	locks []sync.Mutex
}

func New(stripes int) *Striped {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Striped{locks: make([]sync.Mutex, stripes)}
}

// Index returns the stripe a key maps to.
func (s *Striped) Index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.locks)))
}

// Lock locks the stripe owning key and returns its unlock func.
func (s *Striped) Lock(key string) func() {
	m := &s.locks[s.Index(key)]
	m.Lock()
	return m.Unlock
}
