package mpegts

import "sync"

// Registry maps logical roles to the PIDs discovered so far. PAT is fixed at
// PID 0. PMT is learned from the PAT; PCR, video and audio from the PMT.
// Reads and writes are serialized by the registry's own lock, so a reporter
// may read while the decoder writes.
type Registry struct {
	mu   sync.RWMutex
	pids [numRegistryRoles]uint16
	set  [numRegistryRoles]bool
}

// NewRegistry returns a registry with only the PAT PID known.
func NewRegistry() *Registry {
	r := &Registry{}
	r.pids[RolePAT] = PIDPAT
	r.set[RolePAT] = true
	return r
}

// Lookup returns the PID recorded for role and whether one has been recorded.
func (r *Registry) Lookup(role Role) (uint16, bool) {
	if int(role) >= numRegistryRoles {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pids[role], r.set[role]
}

// Is reports whether pid is the PID recorded for role.
func (r *Registry) Is(role Role, pid uint16) bool {
	got, ok := r.Lookup(role)
	return ok && got == pid
}

// RecordPAT records the program map PID found in a PAT.
func (r *Registry) RecordPAT(pmtPID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[RolePMT] = pmtPID
	r.set[RolePMT] = true
}

// RecordPMT records the PCR PID and, when non-nil, the first video and audio
// PIDs found in a PMT. A nil PID leaves that role unchanged. All roles are
// updated under one lock acquisition.
func (r *Registry) RecordPMT(pcrPID uint16, video, audio *uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[RolePCR] = pcrPID
	r.set[RolePCR] = true
	if video != nil {
		r.pids[RoleVideo] = *video
		r.set[RoleVideo] = true
	}
	if audio != nil {
		r.pids[RoleAudio] = *audio
		r.set[RoleAudio] = true
	}
}

// Snapshot returns every recorded role and its PID.
func (r *Registry) Snapshot() map[Role]uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]uint16, numRegistryRoles)
	for i := 0; i < numRegistryRoles; i++ {
		if r.set[i] {
			out[Role(i)] = r.pids[i]
		}
	}
	return out
}
