package mcp

import "sync"

// SessionRegistry tracks the active watches of each MCP session so they
// can be cancelled when the session goes away.
type SessionRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	watches map[string]map[uint64]func() // sessionID -> watch -> cancel
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watches: make(map[string]map[uint64]func())}
}

// Add registers a watch for sessionID and returns its handle.
func (r *SessionRegistry) Add(sessionID string, cancel func()) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.watches[sessionID] == nil {
		r.watches[sessionID] = make(map[uint64]func())
	}
	r.watches[sessionID][r.nextID] = cancel
	return r.nextID
}

// Done forgets a finished watch without cancelling it.
func (r *SessionRegistry) Done(sessionID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches[sessionID], id)
	if len(r.watches[sessionID]) == 0 {
		delete(r.watches, sessionID)
	}
}

// Count returns the number of active watches for sessionID.
func (r *SessionRegistry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches[sessionID])
}

// Remove cancels every watch of sessionID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	ws := r.watches[sessionID]
	delete(r.watches, sessionID)
	r.mu.Unlock()
	for _, cancel := range ws {
		cancel()
	}
}

// Close cancels all watches.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	all := r.watches
	r.watches = make(map[string]map[uint64]func())
	r.mu.Unlock()
	for _, ws := range all {
		for _, cancel := range ws {
			cancel()
		}
	}
}
