// Package registry tracks the editor instances that report to the daemon and
// the chat sessions each of them holds.
//
// Two independent sources describe sessions: the instance itself reports
// the sessions it knows about, and a disk scan recovers sessions from the
// editor's storage. The registry merges both views per instance, keeps a
// global per-application scan for sessions no instance holds, queues
// commands for instances to execute, and keeps a bounded live transcript
// per session.
//
// State is memory-resident only. Instances that stop reporting are evicted
// lazily by read operations once their last report is older than the
// staleness threshold; there is no background sweeper.
//
// Scans never run under the registry lock. A scan result is applied only if
// its instance is still registered when the scan completes, and merge rules
// (max lastMessageDate, OR needsInput, non-destructive field fill) do not
// depend on the order in which concurrent results land.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
)

// Defaults for Options.
const (
	DefaultStaleAfter     = 120 * time.Second
	DefaultRescanInterval = 15 * time.Second
	DefaultHistoryCap     = 500
)

// Scanner finds session records on disk.
type Scanner interface {
	Scan(ctx context.Context, scope model.ScanScope) ([]model.SessionRecord, error)
}

// RecentSource reads an application's recently-opened workspace list.
type RecentSource interface {
	Recent(ctx context.Context, app model.AppTarget) ([]model.RecentEntry, error)
}

// TranscriptReader decodes a session file for history fallback.
type TranscriptReader interface {
	ReadTranscript(ctx context.Context, path string) (model.Transcript, error)
}

// Observer receives a fresh snapshot after every mutation. It is called
// without the registry lock held, one call at a time, and must not call
// mutating Registry methods.
type Observer func(Snapshot)

// Options configures a Registry. Zero values select defaults; a nil Scanner
// disables disk scans.
type Options struct {
	Clock          Clock
	Scanner        Scanner
	Recent         RecentSource
	Transcripts    TranscriptReader
	Observer       Observer
	Logger         *zap.Logger
	StaleAfter     time.Duration
	RescanInterval time.Duration
	HistoryCap     int

	// AppTargets lists the scan groups swept by RescanAll. Defaults to
	// every known target.
	AppTargets []model.AppTarget
}

// instance is the registry's record of one editor window.
type instance struct {
	meta     model.AppMeta
	lastSeen time.Time
	reported []model.SessionRecord
	scanned  []model.SessionRecord
	live     map[string]*liveHistory
	commands []model.Command
}

// scanGroup caches the global sweep for one application.
type scanGroup struct {
	sessions []model.SessionRecord
	recent   []model.RecentEntry
}

// Registry is the in-memory instance and session registry. It is safe for
// concurrent use.
type Registry struct {
	clock       Clock
	scanner     Scanner
	recent      RecentSource
	transcripts TranscriptReader
	observer    Observer
	logger      *zap.Logger

	staleAfter time.Duration
	historyCap int
	apps       []model.AppTarget

	mu        sync.Mutex
	instances map[string]*instance
	groups    map[model.AppTarget]*scanGroup

	throttle *throttle

	// emitMu serializes observer calls so snapshots are delivered in the
	// order they were built.
	emitMu sync.Mutex
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if len(opts.AppTargets) == 0 {
		opts.AppTargets = model.KnownAppTargets
	}
	return &Registry{
		clock:       opts.Clock,
		scanner:     opts.Scanner,
		recent:      opts.Recent,
		transcripts: opts.Transcripts,
		observer:    opts.Observer,
		logger:      opts.Logger,
		staleAfter:  opts.StaleAfter,
		historyCap:  opts.HistoryCap,
		apps:        append([]model.AppTarget(nil), opts.AppTargets...),
		instances:   make(map[string]*instance),
		groups:      make(map[model.AppTarget]*scanGroup),
		throttle:    newThrottle(opts.Clock, opts.RescanInterval),
	}
}

// SetObserver replaces the snapshot observer.
func (r *Registry) SetObserver(o Observer) {
	r.emitMu.Lock()
	r.observer = o
	r.emitMu.Unlock()
}

// Close cancels deferred rescans and waits for running ones.
func (r *Registry) Close() {
	r.throttle.close()
}

// InstanceInfo is the public view of a registered instance.
type InstanceInfo struct {
	model.AppMeta
	LastSeen        int64 `json:"lastSeen"`
	PendingCommands int   `json:"pendingCommands"`
	SessionCount    int   `json:"sessionCount"`
}

// RegisterOptions controls Register.
type RegisterOptions struct {
	// Rescan scans the instance's workspace before Register returns.
	Rescan bool
}

func instanceKey(id string) string { return "instance:" + id }

func groupKey(app model.AppTarget) string { return "group:" + string(app) }

func (r *Registry) now() time.Time { return r.clock.Now() }

func (r *Registry) stale(inst *instance, now time.Time) bool {
	return now.Sub(inst.lastSeen) > r.staleAfter
}

// Register adds or updates the instance described by meta. Re-registering
// keeps the instance's session caches, history and command queue.
func (r *Registry) Register(ctx context.Context, meta model.AppMeta, opts RegisterOptions) (InstanceInfo, error) {
	if meta.InstanceID == "" {
		return InstanceInfo{}, apperrors.InvalidFields([]string{"instanceId is required"})
	}
	meta = meta.Normalized()

	r.mu.Lock()
	inst, ok := r.instances[meta.InstanceID]
	if !ok {
		inst = &instance{live: make(map[string]*liveHistory)}
		r.instances[meta.InstanceID] = inst
		r.logger.Info("instance registered",
			zap.String("instance", meta.InstanceID),
			zap.String("app", string(meta.AppTarget)),
			zap.String("label", meta.Label))
	}
	inst.meta = meta
	inst.lastSeen = r.now()
	r.mu.Unlock()

	if opts.Rescan {
		// Failures are logged by rescanInstance; the previous cache stays.
		_ = r.throttle.runNow(instanceKey(meta.InstanceID), func() error {
			return r.rescanInstance(ctx, meta.InstanceID)
		})
	} else {
		r.requestInstanceRescan(meta.InstanceID)
	}

	r.emit()

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[meta.InstanceID]; ok {
		return r.infoLocked(inst), nil
	}
	return InstanceInfo{AppMeta: meta}, nil
}

// Heartbeat refreshes lastSeen for id. It reports false, with no side
// effects, when id is unknown. Known instances get an opportunistic,
// throttled rescan.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	inst.lastSeen = r.now()
	app := inst.meta.AppTarget
	r.mu.Unlock()

	r.requestInstanceRescan(id)
	r.RequestGlobalRescan(app)
	r.emit()
	return true
}

// Prune evicts instances whose last report is older than the staleness
// threshold and returns their ids. Read operations call it first.
func (r *Registry) Prune() []string {
	r.mu.Lock()
	removed := r.pruneLocked()
	r.mu.Unlock()
	for _, id := range removed {
		r.throttle.forget(instanceKey(id))
	}
	return removed
}

func (r *Registry) pruneLocked() []string {
	var removed []string
	now := r.now()
	for id, inst := range r.instances {
		if r.stale(inst, now) {
			delete(r.instances, id)
			removed = append(removed, id)
			r.logger.Info("instance pruned", zap.String("instance", id))
		}
	}
	sort.Strings(removed)
	return removed
}

// UpdateSessions replaces the sessions id reports live.
func (r *Registry) UpdateSessions(id string, sessions []model.SessionRecord) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	reported := make([]model.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == "" {
			continue
		}
		s.InstanceID = id
		if s.AppTarget == "" {
			s.AppTarget = inst.meta.AppTarget
		}
		reported = append(reported, s)
	}
	inst.reported = reported
	inst.lastSeen = r.now()
	r.mu.Unlock()

	r.emit()
	return true
}

// ListInstances returns every live instance ordered by app target, label
// and id.
func (r *Registry) ListInstances() []InstanceInfo {
	r.Prune()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.sortedInstancesLocked() {
		out = append(out, r.infoLocked(inst))
	}
	return out
}

// ListSessions returns the merged sessions of id. The second result is
// false when id is unknown.
func (r *Registry) ListSessions(id string) ([]Session, bool) {
	r.Prune()

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return r.instanceSessionsLocked(inst), true
}

// HasInstance reports whether id is registered and not stale.
func (r *Registry) HasInstance(id string) bool {
	r.Prune()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[id]
	return ok
}

// FindSessionInstance returns the instance that holds sessionID. Instances
// reporting the session live win over ones that only found it on disk;
// among equals the most recently seen wins. Sessions held by no instance
// resolve through workspace openness.
func (r *Registry) FindSessionInstance(sessionID string) (string, bool) {
	r.Prune()

	r.mu.Lock()
	defer r.mu.Unlock()

	best, bestLive := "", false
	var bestSeen time.Time
	for _, inst := range r.sortedInstancesLocked() {
		for _, s := range r.instanceSessionsLocked(inst) {
			if s.ID != sessionID {
				continue
			}
			better := best == "" ||
				(s.Live && !bestLive) ||
				(s.Live == bestLive && inst.lastSeen.After(bestSeen))
			if better {
				best, bestLive, bestSeen = inst.meta.InstanceID, s.Live, inst.lastSeen
			}
		}
	}
	if best != "" {
		return best, true
	}

	for _, s := range r.flattenLocked() {
		if s.ID == sessionID && s.OpenInstanceID != "" {
			return s.OpenInstanceID, true
		}
	}
	return "", false
}

// FindInstanceForWorkspace returns the instance that has file open as its
// workspace file or dir among its folders. A workspace-file match wins over
// a folder match; ties go to the most recently seen instance.
func (r *Registry) FindInstanceForWorkspace(dir, file string) (string, bool) {
	if dir == "" && file == "" {
		return "", false
	}
	r.Prune()

	r.mu.Lock()
	defer r.mu.Unlock()

	best, bestRank := "", 0
	var bestSeen time.Time
	for _, inst := range r.sortedInstancesLocked() {
		rank := workspaceMatch(inst.meta, dir, file)
		if rank == 0 {
			continue
		}
		if best == "" || rank > bestRank || (rank == bestRank && inst.lastSeen.After(bestSeen)) {
			best, bestRank, bestSeen = inst.meta.InstanceID, rank, inst.lastSeen
		}
	}
	return best, best != ""
}

// workspaceMatch ranks how meta matches a workspace: 2 for the workspace
// file, 1 for a folder, 0 for no match.
func workspaceMatch(meta model.AppMeta, dir, file string) int {
	p := meta.Platform
	if file != "" && meta.WorkspaceFile != "" &&
		model.NormalizePath(file, p) == model.NormalizePath(meta.WorkspaceFile, p) {
		return 2
	}
	if dir != "" {
		key := model.NormalizePath(dir, p)
		for _, f := range meta.WorkspaceFolders {
			if model.NormalizePath(f, p) == key {
				return 1
			}
		}
	}
	return 0
}

// sortedInstancesLocked returns instances ordered by app target, label, id.
func (r *Registry) sortedInstancesLocked() []*instance {
	out := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].meta, out[j].meta
		if ra, rb := a.AppTarget.Rank(), b.AppTarget.Rank(); ra != rb {
			return ra < rb
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.InstanceID < b.InstanceID
	})
	return out
}

func (r *Registry) infoLocked(inst *instance) InstanceInfo {
	return InstanceInfo{
		AppMeta:         inst.meta,
		LastSeen:        model.Millis(inst.lastSeen),
		PendingCommands: len(inst.commands),
		SessionCount:    len(r.instanceSessionsLocked(inst)),
	}
}

// emit builds a snapshot and hands it to the observer. Evictions done by
// reads are not announced on their own; the next mutation's snapshot
// reflects them.
func (r *Registry) emit() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.observer == nil {
		return
	}
	r.Prune()
	r.observer(r.buildSnapshot())
}
