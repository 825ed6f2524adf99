package search

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
)

// Entity selects which lists a search returns.
type Entity string

const (
	EntitySessions   Entity = "sessions"
	EntityWorkspaces Entity = "workspaces"
	EntityBoth       Entity = "both"
)

// TextMode selects how Query is matched.
type TextMode string

const (
	ModeContains TextMode = "contains"
	ModeRegex    TextMode = "regex"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500

	// maxTokens bounds the number of whitespace tokens used in contains mode.
	maxTokens = 8

	dayMillis = int64(24 * 60 * 60 * 1000)
	// maxLastDays is a century; larger windows are rejected.
	maxLastDays = 36525
)

// Params are the caller-supplied search parameters. Nil pointers and zero
// values take the documented defaults.
type Params struct {
	Entity        Entity            `json:"entity,omitempty"`
	AppTargets    []model.AppTarget `json:"appTargets,omitempty"`
	IncludeOpen   *bool             `json:"includeOpen,omitempty"`
	IncludeClosed *bool             `json:"includeClosed,omitempty"`
	SourceLive    *bool             `json:"sourceLive,omitempty"`
	SourceDisk    *bool             `json:"sourceDisk,omitempty"`
	Since         *int64            `json:"since,omitempty"`
	Until         *int64            `json:"until,omitempty"`
	LastDays      *float64          `json:"lastDays,omitempty"`
	TextMode      TextMode          `json:"textMode,omitempty"`
	Query         string            `json:"query,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// query is a validated Params with defaults applied.
type query struct {
	sessions      bool
	workspaces    bool
	apps          map[model.AppTarget]bool
	includeOpen   bool
	includeClosed bool
	live          bool
	disk          bool
	window        bool
	since         int64
	hasSince      bool
	until         int64
	hasUntil      bool
	tokens        []string
	re            *regexp.Regexp
	limit         int
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// compile validates p against now (epoch ms). Every rejection is a
// query.invalid error naming the parameter.
func compile(p Params, now int64) (*query, error) {
	q := &query{
		includeOpen:   boolOr(p.IncludeOpen, true),
		includeClosed: boolOr(p.IncludeClosed, true),
		live:          boolOr(p.SourceLive, true),
		disk:          boolOr(p.SourceDisk, true),
	}

	switch p.Entity {
	case "", EntityBoth:
		q.sessions, q.workspaces = true, true
	case EntitySessions:
		q.sessions = true
	case EntityWorkspaces:
		q.workspaces = true
	default:
		return nil, apperrors.InvalidQuery(fmt.Sprintf("unknown entity %q", p.Entity))
	}

	q.apps = make(map[model.AppTarget]bool)
	if len(p.AppTargets) == 0 {
		for _, t := range model.KnownAppTargets {
			q.apps[t] = true
		}
	}
	for _, t := range p.AppTargets {
		if !t.Valid() {
			return nil, apperrors.InvalidQuery(fmt.Sprintf("unknown appTarget %q", t))
		}
		q.apps[t] = true
	}

	if p.Since != nil {
		q.since, q.hasSince = *p.Since, true
	}
	if p.Until != nil {
		q.until, q.hasUntil = *p.Until, true
	}
	if p.LastDays != nil {
		days := *p.LastDays
		if days < 0 || math.IsNaN(days) || math.IsInf(days, 0) {
			return nil, apperrors.InvalidQuery("lastDays must be a finite, non-negative number")
		}
		if days > maxLastDays {
			return nil, apperrors.InvalidQuery(fmt.Sprintf("lastDays must be at most %d", maxLastDays))
		}
		since := now - int64(days*float64(dayMillis))
		// Take the looser of the two lower bounds.
		if !q.hasSince || since < q.since {
			q.since, q.hasSince = since, true
		}
	}
	if q.hasSince && q.hasUntil && q.since > q.until {
		return nil, apperrors.InvalidQuery(fmt.Sprintf("since %d is after until %d", q.since, q.until))
	}
	q.window = q.hasSince || q.hasUntil

	switch p.TextMode {
	case "", ModeContains:
		q.tokens = tokenize(p.Query)
	case ModeRegex:
		if pattern := strings.TrimSpace(p.Query); pattern != "" {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, apperrors.InvalidQuery(fmt.Sprintf("bad regex %q: %v", pattern, err))
			}
			q.re = re
		}
	default:
		return nil, apperrors.InvalidQuery(fmt.Sprintf("unknown textMode %q", p.TextMode))
	}

	q.limit = p.Limit
	switch {
	case q.limit == 0:
		q.limit = DefaultLimit
	case q.limit < 1:
		q.limit = 1
	case q.limit > MaxLimit:
		q.limit = MaxLimit
	}
	return q, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) > maxTokens {
		fields = fields[:maxTokens]
	}
	return fields
}

// ParseValues reads Params from URL query values, as sent by
// GET /api/search. appTarget may repeat or hold a comma-separated list.
func ParseValues(v url.Values) (Params, error) {
	p := Params{
		Entity:   Entity(v.Get("entity")),
		TextMode: TextMode(v.Get("textMode")),
		Query:    v.Get("query"),
	}
	if p.Query == "" {
		p.Query = v.Get("q")
	}
	for _, raw := range v["appTarget"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.AppTargets = append(p.AppTargets, model.AppTarget(t))
			}
		}
	}

	var err error
	if p.IncludeOpen, err = parseBool(v, "includeOpen"); err != nil {
		return Params{}, err
	}
	if p.IncludeClosed, err = parseBool(v, "includeClosed"); err != nil {
		return Params{}, err
	}
	if p.SourceLive, err = parseBool(v, "sourceLive"); err != nil {
		return Params{}, err
	}
	if p.SourceDisk, err = parseBool(v, "sourceDisk"); err != nil {
		return Params{}, err
	}
	if p.Since, err = parseInt(v, "since"); err != nil {
		return Params{}, err
	}
	if p.Until, err = parseInt(v, "until"); err != nil {
		return Params{}, err
	}
	if s := v.Get("lastDays"); s != "" {
		days, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return Params{}, apperrors.InvalidQuery(fmt.Sprintf("lastDays %q is not a number", s))
		}
		p.LastDays = &days
	}
	if s := v.Get("limit"); s != "" {
		n, perr := strconv.Atoi(s)
		if perr != nil {
			return Params{}, apperrors.InvalidQuery(fmt.Sprintf("limit %q is not an integer", s))
		}
		p.Limit = n
	}
	return p, nil
}

// Values is the inverse of ParseValues for the CLI client.
func (p Params) Values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("entity", string(p.Entity))
	set("textMode", string(p.TextMode))
	set("query", p.Query)
	for _, t := range p.AppTargets {
		v.Add("appTarget", string(t))
	}
	for k, b := range map[string]*bool{
		"includeOpen":   p.IncludeOpen,
		"includeClosed": p.IncludeClosed,
		"sourceLive":    p.SourceLive,
		"sourceDisk":    p.SourceDisk,
	} {
		if b != nil {
			v.Set(k, strconv.FormatBool(*b))
		}
	}
	if p.Since != nil {
		v.Set("since", strconv.FormatInt(*p.Since, 10))
	}
	if p.Until != nil {
		v.Set("until", strconv.FormatInt(*p.Until, 10))
	}
	if p.LastDays != nil {
		v.Set("lastDays", strconv.FormatFloat(*p.LastDays, 'f', -1, 64))
	}
	if p.Limit != 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	return v
}

func parseBool(v url.Values, key string) (*bool, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, apperrors.InvalidQuery(fmt.Sprintf("%s %q is not a boolean", key, s))
	}
	return &b, nil
}

func parseInt(v url.Values, key string) (*int64, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, apperrors.InvalidQuery(fmt.Sprintf("%s %q is not an integer", key, s))
	}
	return &n, nil
}
