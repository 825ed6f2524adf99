package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatremote/host/internal/model"
)

// requestInstanceRescan schedules a throttled background scan of id.
func (r *Registry) requestInstanceRescan(id string) {
	if r.scanner == nil {
		return
	}
	r.throttle.trigger(instanceKey(id), func() error {
		// Started scans are never cancelled; a detached context keeps the
		// scan independent of the request that triggered it.
		return r.rescanInstance(context.Background(), id)
	})
}

// RequestGlobalRescan schedules a throttled background sweep of app.
func (r *Registry) RequestGlobalRescan(app model.AppTarget) {
	if r.scanner == nil && r.recent == nil {
		return
	}
	r.throttle.trigger(groupKey(app), func() error {
		return r.rescanGroup(context.Background(), app)
	})
}

// RescanInstance scans id now, joining a scan already in flight. The
// previous cache is kept when the scan fails.
func (r *Registry) RescanInstance(ctx context.Context, id string) error {
	return r.throttle.runNow(instanceKey(id), func() error {
		return r.rescanInstance(ctx, id)
	})
}

// RescanAll sweeps every configured application now. Errors are logged;
// each group keeps its previous cache on failure.
func (r *Registry) RescanAll(ctx context.Context) {
	for _, app := range r.apps {
		if err := ctx.Err(); err != nil {
			return
		}
		_ = r.throttle.runNow(groupKey(app), func() error {
			return r.rescanGroup(ctx, app)
		})
	}
}

func (r *Registry) rescanInstance(ctx context.Context, id string) error {
	if r.scanner == nil {
		return nil
	}
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	scope := model.InstanceScope(inst.meta)
	r.mu.Unlock()

	records, err := r.scanner.Scan(ctx, scope)
	if err != nil {
		r.logger.Warn("instance scan failed", zap.String("instance", id), zap.Error(err))
		return err
	}
	for i := range records {
		records[i].InstanceID = id
		if records[i].AppTarget == "" {
			records[i].AppTarget = scope.AppTarget
		}
	}

	r.mu.Lock()
	inst, ok = r.instances[id]
	if ok {
		inst.scanned = records
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("discarding scan for pruned instance", zap.String("instance", id))
		return nil
	}
	r.logger.Debug("instance scanned", zap.String("instance", id), zap.Int("sessions", len(records)))
	r.emit()
	return nil
}

func (r *Registry) rescanGroup(ctx context.Context, app model.AppTarget) error {
	var (
		sessions []model.SessionRecord
		recent   []model.RecentEntry
		scanErr  error
	)
	if r.scanner != nil {
		sessions, scanErr = r.scanner.Scan(ctx, model.GlobalScope(app))
		if scanErr != nil {
			r.logger.Warn("group scan failed", zap.String("app", string(app)), zap.Error(scanErr))
		}
	}
	var recentErr error
	if r.recent != nil {
		recent, recentErr = r.recent.Recent(ctx, app)
		if recentErr != nil {
			r.logger.Warn("recent list read failed", zap.String("app", string(app)), zap.Error(recentErr))
		}
	}
	for i := range sessions {
		sessions[i].InstanceID = ""
		if sessions[i].AppTarget == "" {
			sessions[i].AppTarget = app
		}
	}

	r.mu.Lock()
	g, ok := r.groups[app]
	if !ok {
		g = &scanGroup{}
		r.groups[app] = g
	}
	if scanErr == nil {
		g.sessions = sessions
	}
	if recentErr == nil {
		g.recent = recent
	}
	r.mu.Unlock()

	r.emit()
	if scanErr != nil {
		return scanErr
	}
	return recentErr
}
