package registry

import "github.com/chatremote/host/internal/model"

// Snapshot is a consistent copy of the registry state for clients.
type Snapshot struct {
	Instances          []InstanceInfo                `json:"instances"`
	SessionsByInstance map[string][]Session          `json:"sessionsByInstance"`
	Sessions           []Session                     `json:"sessions"`
	Workspaces         []model.RecentWorkspaceRecord `json:"workspaces"`
	NeedsInputCount    int                           `json:"needsInputCount"`
	UpdatedAt          int64                         `json:"updatedAt"`
}

// Snapshot prunes stale instances and returns the current state.
func (r *Registry) Snapshot() Snapshot {
	r.Prune()
	return r.buildSnapshot()
}

func (r *Registry) buildSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Instances:          make([]InstanceInfo, 0, len(r.instances)),
		SessionsByInstance: make(map[string][]Session, len(r.instances)),
		UpdatedAt:          model.Millis(r.now()),
	}
	for _, inst := range r.sortedInstancesLocked() {
		snap.Instances = append(snap.Instances, r.infoLocked(inst))
		snap.SessionsByInstance[inst.meta.InstanceID] = r.instanceSessionsLocked(inst)
	}
	snap.Sessions = r.flattenLocked()
	if snap.Sessions == nil {
		snap.Sessions = []Session{}
	}
	for _, s := range snap.Sessions {
		if s.NeedsInput {
			snap.NeedsInputCount++
		}
	}
	snap.Workspaces = r.workspacesLocked(snap.Sessions)
	return snap
}
