package registry

import (
	"sort"
	"strings"

	"github.com/chatremote/host/internal/model"
)

// workspacesLocked derives the workspace list from the recent lists of the
// scan groups, the registered instances, and the flattened sessions.
func (r *Registry) workspacesLocked(sessions []Session) []model.RecentWorkspaceRecord {
	byID := make(map[string]*model.RecentWorkspaceRecord)
	var order []string
	ranked := make(map[string]bool)

	get := func(app model.AppTarget, path string, kind model.WorkspaceKind, platform string) *model.RecentWorkspaceRecord {
		id := string(app) + ":" + model.NormalizePath(path, platform)
		if rec, ok := byID[id]; ok {
			return rec
		}
		rec := &model.RecentWorkspaceRecord{
			ID:        id,
			Label:     workspaceLabel(path, kind),
			Path:      path,
			Kind:      kind,
			AppTarget: app,
		}
		byID[id] = rec
		order = append(order, id)
		return rec
	}

	maxRank := -1
	for _, app := range r.groupOrder() {
		for _, entry := range r.groups[app].recent {
			rec := get(app, entry.Path, entry.Kind, "")
			if !ranked[rec.ID] || entry.Rank < rec.RecentRank {
				rec.RecentRank = entry.Rank
			}
			ranked[rec.ID] = true
			rec.SeenOnDisk = true
			if entry.Rank > maxRank {
				maxRank = entry.Rank
			}
		}
	}

	for _, inst := range r.sortedInstancesLocked() {
		m := inst.meta
		seen := model.Millis(inst.lastSeen)
		touch := func(rec *model.RecentWorkspaceRecord) {
			rec.SeenInLive = true
			rec.WorkspaceOpen = true
			if rec.InstanceID == "" {
				rec.InstanceID = m.InstanceID
			}
			if seen > rec.LastActivityAt {
				rec.LastActivityAt = seen
			}
		}
		if m.WorkspaceFile != "" {
			touch(get(m.AppTarget, m.WorkspaceFile, model.KindWorkspaceFile, m.Platform))
		}
		for _, f := range m.WorkspaceFolders {
			touch(get(m.AppTarget, f, model.KindFolder, m.Platform))
		}
	}

	for _, s := range sessions {
		var rec *model.RecentWorkspaceRecord
		switch {
		case s.WorkspaceFile != "":
			rec = get(s.AppTarget, s.WorkspaceFile, model.KindWorkspaceFile, "")
		case s.WorkspaceDir != "":
			rec = get(s.AppTarget, s.WorkspaceDir, model.KindFolder, "")
		default:
			continue
		}
		if s.Live {
			rec.SeenInLive = true
		}
		if s.Disk {
			rec.SeenOnDisk = true
		}
		if s.LastMessageDate > rec.LastActivityAt {
			rec.LastActivityAt = s.LastMessageDate
		}
	}

	out := make([]model.RecentWorkspaceRecord, 0, len(order))
	for _, id := range order {
		rec := byID[id]
		if !ranked[id] {
			// Never listed: rank after every listed workspace.
			rec.RecentRank = maxRank + 1
		}
		out = append(out, *rec)
	}
	SortWorkspaces(out)
	return out
}

// SortWorkspaces orders workspaces by most recent activity, then recent-list
// rank, then open before closed, then app target, then label.
func SortWorkspaces(ws []model.RecentWorkspaceRecord) {
	sort.SliceStable(ws, func(i, j int) bool {
		a, b := ws[i], ws[j]
		if a.LastActivityAt != b.LastActivityAt {
			return a.LastActivityAt > b.LastActivityAt
		}
		if a.RecentRank != b.RecentRank {
			return a.RecentRank < b.RecentRank
		}
		if a.WorkspaceOpen != b.WorkspaceOpen {
			return a.WorkspaceOpen
		}
		if ra, rb := a.AppTarget.Rank(), b.AppTarget.Rank(); ra != rb {
			return ra < rb
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
}

func workspaceLabel(path string, kind model.WorkspaceKind) string {
	base := model.BaseName(path)
	if kind == model.KindWorkspaceFile {
		base = strings.TrimSuffix(base, ".code-workspace")
	}
	return base
}
