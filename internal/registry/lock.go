package registry

import "sync"

// sharedExclusive is a reader-writer lock: reads
// (lookups, counts, broadcast's snapshot) take shared access, writes
// (register/unregister) take exclusive access.
type sharedExclusive = sync.RWMutex
