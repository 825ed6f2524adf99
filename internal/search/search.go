// Package search filters registry snapshots for the mobile client.
//
// A search is a strict AND over app target, workspace openness, provenance
// (live report or disk scan), a recency window and a text match. Text
// matching runs against one lower-cased string built from each record's
// searchable fields, either as whitespace tokens that must all occur
// (contains mode) or as a single case-insensitive regular expression.
package search

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/registry"
)

// Result holds the matching records of one search. Totals count matches
// before truncation to the limit.
type Result struct {
	Sessions        []registry.Session            `json:"sessions,omitempty"`
	Workspaces      []model.RecentWorkspaceRecord `json:"workspaces,omitempty"`
	TotalSessions   int                           `json:"totalSessions"`
	TotalWorkspaces int                           `json:"totalWorkspaces"`
	Limit           int                           `json:"limit"`
}

// Engine runs searches over snapshots.
type Engine struct {
	logger *zap.Logger
}

// New returns an Engine. A nil logger disables logging.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Search filters snap by p. lastDays is resolved against snap.UpdatedAt.
// Invalid parameters return a query.invalid error and no result.
func (e *Engine) Search(snap registry.Snapshot, p Params) (Result, error) {
	start := time.Now()
	q, err := compile(p, snap.UpdatedAt)
	if err != nil {
		return Result{}, err
	}

	res := Result{Limit: q.limit}
	if q.sessions {
		res.Sessions = []registry.Session{}
		for _, s := range snap.Sessions {
			if q.matchSession(s) {
				res.Sessions = append(res.Sessions, s)
			}
		}
		registry.SortSessions(res.Sessions)
		res.TotalSessions = len(res.Sessions)
		if len(res.Sessions) > q.limit {
			res.Sessions = res.Sessions[:q.limit]
		}
	}
	if q.workspaces {
		res.Workspaces = []model.RecentWorkspaceRecord{}
		for _, w := range snap.Workspaces {
			if q.matchWorkspace(w) {
				res.Workspaces = append(res.Workspaces, w)
			}
		}
		registry.SortWorkspaces(res.Workspaces)
		res.TotalWorkspaces = len(res.Workspaces)
		if len(res.Workspaces) > q.limit {
			res.Workspaces = res.Workspaces[:q.limit]
		}
	}

	e.logger.Debug("search",
		zap.String("query", p.Query),
		zap.String("mode", string(p.TextMode)),
		zap.Int("sessions", res.TotalSessions),
		zap.Int("workspaces", res.TotalWorkspaces),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (q *query) matchSession(s registry.Session) bool {
	if !q.apps[sessionApp(s)] {
		return false
	}
	if !q.openness(s.WorkspaceOpen) {
		return false
	}
	if !(s.Live && q.live) && !(s.Disk && q.disk) {
		return false
	}
	if !q.inWindow(s.LastMessageDate) {
		return false
	}
	return q.matchText(sessionText(s))
}

func (q *query) matchWorkspace(w model.RecentWorkspaceRecord) bool {
	if !q.apps[w.AppTarget] {
		return false
	}
	if !q.openness(w.WorkspaceOpen) {
		return false
	}
	if !(w.SeenInLive && q.live) && !(w.SeenOnDisk && q.disk) {
		return false
	}
	if !q.inWindow(w.LastActivityAt) {
		return false
	}
	return q.matchText(workspaceText(w))
}

func (q *query) openness(open bool) bool {
	if open {
		return q.includeOpen
	}
	return q.includeClosed
}

// inWindow treats a zero timestamp as unknown, which fails any window.
func (q *query) inWindow(ts int64) bool {
	if !q.window {
		return true
	}
	if ts == 0 {
		return false
	}
	if q.hasSince && ts < q.since {
		return false
	}
	if q.hasUntil && ts > q.until {
		return false
	}
	return true
}

func (q *query) matchText(text string) bool {
	if q.re != nil {
		return q.re.MatchString(text)
	}
	for _, tok := range q.tokens {
		if !strings.Contains(text, tok) {
			return false
		}
	}
	return true
}

// sessionApp falls back to the default target for records that predate
// app attribution.
func sessionApp(s registry.Session) model.AppTarget {
	if s.AppTarget == "" {
		return model.AppVSCode
	}
	return s.AppTarget
}

func sessionText(s registry.Session) string {
	return joinLower(
		s.Title,
		s.DisplayName,
		s.WorkspaceDir,
		s.WorkspaceFile,
		s.AppName,
		string(s.AppTarget),
		s.InstanceLabel,
		string(s.Source),
		s.JSONPath,
	)
}

func workspaceText(w model.RecentWorkspaceRecord) string {
	return joinLower(w.Label, w.Path, string(w.Kind), string(w.AppTarget), w.ID)
}

func joinLower(fields ...string) string {
	var b strings.Builder
	for _, f := range fields {
		if f == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	return strings.ToLower(b.String())
}
