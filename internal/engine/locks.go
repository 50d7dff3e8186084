package engine

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedMutex serializes engine invocations per (contact, flow) pair.
// The dispatcher and the broadcast runner share one instance so webhook
// replies never interleave with a broadcast attach for the same session.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the pair and returns its unlock func.
func (k *KeyedMutex) Lock(contactID, flowID uuid.UUID) func() {
	key := contactID.String() + "/" + flowID.String()
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
