// Package mutlog reconstructs a JSON document from the editor's append-only
// mutation log (one JSON record per line).
//
// Each record carries a kind, a path of object keys and array indexes, a
// value, and for appends an optional start index. Replaying the records in
// order is a left fold; records that fail to parse or have the wrong shape
// are skipped and never abort the replay.
package mutlog

import (
	"encoding/json"
	"math"
)

// Kind is the operation tag of a log record.
type Kind int

const (
	KindReset  Kind = 0 // replace the whole document
	KindSet    Kind = 1 // set the value at a path
	KindAppend Kind = 2 // append to the array at a path
	KindDelete Kind = 3 // tombstone the value at a path
)

func (k Kind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindSet:
		return "set"
	case KindAppend:
		return "append"
	case KindDelete:
		return "delete"
	}
	return "unknown"
}

// Segment is one step of a path: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key returns an object-key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index returns an array-index segment.
func Index(i int) Segment { return Segment{Index: i, IsIndex: true} }

// Entry is a validated log record.
type Entry struct {
	Kind  Kind
	Path  []Segment
	Value any

	// AppendStart truncates the target array before appending. Only
	// meaningful for KindAppend when HasAppendStart is set.
	AppendStart    int
	HasAppendStart bool
}

// rawEntry mirrors the on-disk record before validation.
type rawEntry struct {
	Kind *float64         `json:"kind"`
	K    []json.RawMessage `json:"k"`
	V    json.RawMessage   `json:"v"`
	I    *float64          `json:"i"`
}

// ParseEntry validates one log line. The second result is false for lines
// that are not JSON, carry an unknown kind, or have a malformed path; the
// caller skips those.
func ParseEntry(line []byte) (Entry, bool) {
	var raw rawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}
	if raw.Kind == nil {
		return Entry{}, false
	}
	kind, ok := wholeNumber(*raw.Kind)
	if !ok || kind < int(KindReset) || kind > int(KindDelete) {
		return Entry{}, false
	}

	e := Entry{Kind: Kind(kind)}

	if e.Kind != KindReset {
		if raw.K == nil {
			return Entry{}, false
		}
		path, ok := parsePath(raw.K)
		if !ok {
			return Entry{}, false
		}
		e.Path = path
	}

	if e.Kind != KindDelete && len(raw.V) > 0 {
		if err := json.Unmarshal(raw.V, &e.Value); err != nil {
			return Entry{}, false
		}
	}

	if e.Kind == KindAppend && raw.I != nil {
		if start, ok := wholeNumber(*raw.I); ok && start >= 0 {
			e.AppendStart = start
			e.HasAppendStart = true
		}
	}

	return e, true
}

func parsePath(raw []json.RawMessage) ([]Segment, bool) {
	path := make([]Segment, 0, len(raw))
	for _, r := range raw {
		var seg any
		if err := json.Unmarshal(r, &seg); err != nil {
			return nil, false
		}
		switch v := seg.(type) {
		case string:
			path = append(path, Key(v))
		case float64:
			idx, ok := wholeNumber(v)
			if !ok || idx < 0 {
				return nil, false
			}
			path = append(path, Index(idx))
		default:
			return nil, false
		}
	}
	return path, true
}

// wholeNumber converts f to an int when it has no fractional part.
func wholeNumber(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}
