package collector

import "sync"

// PIDRegistry is the shared pid-to-session map. The coordinator writes
// it on spawn and child attribution; the output-capture path reads it.
// Passed as an explicit reference to every component that needs it.
type PIDRegistry struct {
	mu sync.Mutex
	m  map[int]string
}

// NewPIDRegistry creates an empty registry.
func NewPIDRegistry() *PIDRegistry {
	return &PIDRegistry{m: make(map[int]string)}
}

// Register maps a pid to a session.
func (r *PIDRegistry) Register(pid int, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[pid] = sessionID
}

// Lookup returns the session owning a pid. Child processes are
// attributed by looking up their parent's pid here, never by iteration
// order.
func (r *PIDRegistry) Lookup(pid int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[pid]
	return s, ok
}

// Remove unregisters a pid.
func (r *PIDRegistry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, pid)
}

// PIDs returns all pids owned by a session (parent and children).
func (r *PIDRegistry) PIDs(sessionID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pids []int
	for pid, s := range r.m {
		if s == sessionID {
			pids = append(pids, pid)
		}
	}
	return pids
}
