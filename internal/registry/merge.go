package registry

import (
	"sort"

	"github.com/chatremote/host/internal/model"
)

// Session is a merged session record with its provenance and, in the
// flattened view, its workspace-openness.
type Session struct {
	model.SessionRecord

	// Live is set when the owning instance reported the session; Disk when
	// a scan found it.
	Live bool `json:"live"`
	Disk bool `json:"disk"`

	WorkspaceOpen  bool   `json:"workspaceOpen"`
	OpenInstanceID string `json:"openInstanceId,omitempty"`
	AppName        string `json:"appName,omitempty"`
	InstanceLabel  string `json:"instanceLabel,omitempty"`
}

// mergeRecord folds incoming into existing. Title prefers incoming when
// non-empty; lastMessageDate only moves forward; needsInput is sticky OR;
// other optional fields are filled by incoming when it has them.
func mergeRecord(existing, incoming model.SessionRecord) model.SessionRecord {
	out := existing
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.LastMessageDate > out.LastMessageDate {
		out.LastMessageDate = incoming.LastMessageDate
	}
	out.NeedsInput = existing.NeedsInput || incoming.NeedsInput
	fill(&out.Source, incoming.Source)
	fill(&out.WorkspaceID, incoming.WorkspaceID)
	fill(&out.WorkspaceDir, incoming.WorkspaceDir)
	fill(&out.WorkspaceFile, incoming.WorkspaceFile)
	fill(&out.DisplayName, incoming.DisplayName)
	fill(&out.JSONPath, incoming.JSONPath)
	fill(&out.InstanceID, incoming.InstanceID)
	fill(&out.AppTarget, incoming.AppTarget)
	return out
}

func fill[T ~string](dst *T, v T) {
	if v != "" {
		*dst = v
	}
}

// mergeSessions combines scanned and reported records keyed by id and
// platform-normalized jsonPath. Scanned records seed the map; reported
// records are folded in on top. The result is newest first.
func mergeSessions(scanned, reported []model.SessionRecord, platform string) []Session {
	index := make(map[model.SessionKey]int, len(scanned)+len(reported))
	out := make([]Session, 0, len(scanned)+len(reported))

	add := func(rec model.SessionRecord, live bool) {
		key := model.KeyOf(rec, platform)
		if i, ok := index[key]; ok {
			out[i].SessionRecord = mergeRecord(out[i].SessionRecord, rec)
		} else {
			index[key] = len(out)
			out = append(out, Session{SessionRecord: rec})
		}
		i := index[key]
		if live {
			out[i].Live = true
		} else {
			out[i].Disk = true
		}
	}
	for _, rec := range scanned {
		add(rec, false)
	}
	for _, rec := range reported {
		add(rec, true)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastMessageDate != b.LastMessageDate {
			return a.LastMessageDate > b.LastMessageDate
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.JSONPath < b.JSONPath
	})
	return out
}

// instanceSessionsLocked returns the merged sessions of inst annotated with
// its identity. An instance's own sessions are always workspace-open.
func (r *Registry) instanceSessionsLocked(inst *instance) []Session {
	sessions := mergeSessions(inst.scanned, inst.reported, inst.meta.Platform)
	for i := range sessions {
		s := &sessions[i]
		s.InstanceID = inst.meta.InstanceID
		if s.AppTarget == "" {
			s.AppTarget = inst.meta.AppTarget
		}
		s.WorkspaceOpen = true
		s.OpenInstanceID = inst.meta.InstanceID
		s.AppName = inst.meta.AppName
		s.InstanceLabel = inst.meta.Label
	}
	return sessions
}

// flattenLocked builds the cross-instance session list: every instance's
// merged sessions plus globally scanned sessions no instance holds. A
// session held by several instances is merged into one entry attributed to
// the first instance in registry order.
func (r *Registry) flattenLocked() []Session {
	index := make(map[model.SessionKey]int)
	var out []Session

	instances := r.sortedInstancesLocked()
	for _, inst := range instances {
		for _, s := range r.instanceSessionsLocked(inst) {
			key := model.KeyOf(s.SessionRecord, "")
			if i, ok := index[key]; ok {
				prev := out[i]
				out[i].SessionRecord = mergeRecord(prev.SessionRecord, s.SessionRecord)
				out[i].InstanceID = prev.InstanceID
				out[i].Live = prev.Live || s.Live
				out[i].Disk = prev.Disk || s.Disk
				continue
			}
			index[key] = len(out)
			out = append(out, s)
		}
	}

	for _, app := range r.groupOrder() {
		for _, rec := range r.groups[app].sessions {
			key := model.KeyOf(rec, "")
			if i, ok := index[key]; ok {
				prev := out[i]
				out[i].SessionRecord = mergeRecord(prev.SessionRecord, rec)
				out[i].InstanceID = prev.InstanceID
				out[i].AppTarget = prev.AppTarget
				out[i].Disk = true
				continue
			}
			s := Session{SessionRecord: rec, Disk: true}
			if inst := resolveOpenInstance(rec, instances, r.instances); inst != nil {
				s.WorkspaceOpen = true
				s.OpenInstanceID = inst.meta.InstanceID
				s.AppName = inst.meta.AppName
				s.InstanceLabel = inst.meta.Label
			}
			index[key] = len(out)
			out = append(out, s)
		}
	}

	sortFlattened(out)
	return out
}

// groupOrder returns the cached scan groups in app target order.
func (r *Registry) groupOrder() []model.AppTarget {
	apps := make([]model.AppTarget, 0, len(r.groups))
	for app := range r.groups {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool {
		if ri, rj := apps[i].Rank(), apps[j].Rank(); ri != rj {
			return ri < rj
		}
		return apps[i] < apps[j]
	})
	return apps
}

// SortSessions orders sessions the way the flattened view does: workspace
// open first, then needsInput, then newest first.
func SortSessions(sessions []Session) {
	sortFlattened(sessions)
}

// sortFlattened orders sessions workspace-open first, then needs-input
// first, then newest first.
func sortFlattened(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.WorkspaceOpen != b.WorkspaceOpen {
			return a.WorkspaceOpen
		}
		if a.NeedsInput != b.NeedsInput {
			return a.NeedsInput
		}
		if a.LastMessageDate != b.LastMessageDate {
			return a.LastMessageDate > b.LastMessageDate
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.JSONPath < b.JSONPath
	})
}

// resolveOpenInstance finds the registered instance that has rec's
// workspace open:
//
//  1. the instance named by rec.InstanceID, if still registered;
//  2. an instance whose workspace file or one of whose folders matches;
//  3. for empty-window sessions, the only registered empty-window instance
//     of the same app target, if there is exactly one.
func resolveOpenInstance(rec model.SessionRecord, ordered []*instance, byID map[string]*instance) *instance {
	if rec.InstanceID != "" {
		if inst, ok := byID[rec.InstanceID]; ok {
			return inst
		}
	}
	for _, inst := range ordered {
		if workspaceMatch(inst.meta, rec.WorkspaceDir, rec.WorkspaceFile) > 0 {
			return inst
		}
	}
	if rec.Source != model.SourceEmptyWindow {
		return nil
	}
	var match *instance
	for _, inst := range ordered {
		if !inst.meta.EmptyWindow() || inst.meta.AppTarget != rec.AppTarget {
			continue
		}
		if match != nil {
			return nil
		}
		match = inst
	}
	return match
}
