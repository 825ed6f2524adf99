package mutlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single log record. Editor logs inline whole
// responses in one record, so this is generous.
const MaxLineBytes = 64 << 20

// MaxIndexGap bounds how far past the end of an array an index segment may
// point. Editors only write existing slots or the next append slot; entries
// reaching further are treated as corrupt rather than padded.
const MaxIndexGap = 1024

// Replayer folds log entries into a document. The zero value is ready to use.
type Replayer struct {
	state   any
	valid   bool
	applied int
	skipped int
}

// Feed parses and applies one line. Blank lines are ignored; malformed
// lines are counted as skipped. It reports whether the line was applied.
func (r *Replayer) Feed(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	e, ok := ParseEntry(line)
	if !ok {
		r.skipped++
		return false
	}
	return r.Apply(e)
}

// Apply applies a parsed entry. Entries whose path reaches more than
// MaxIndexGap slots past the end of an array are skipped.
func (r *Replayer) Apply(e Entry) bool {
	if e.Kind != KindReset && !withinBounds(r.state, e.Path) {
		r.skipped++
		return false
	}
	switch e.Kind {
	case KindReset:
		r.state = e.Value
	case KindSet:
		r.state = update(r.state, e.Path, func(any) any { return e.Value })
	case KindDelete:
		r.state = update(r.state, e.Path, func(any) any { return nil })
	case KindAppend:
		r.state = update(r.state, e.Path, func(cur any) any {
			arr, ok := cur.([]any)
			if !ok {
				arr = []any{}
			}
			if e.HasAppendStart && e.AppendStart < len(arr) {
				arr = arr[:e.AppendStart]
			}
			if items, ok := e.Value.([]any); ok {
				arr = append(arr, items...)
			}
			return arr
		})
	default:
		r.skipped++
		return false
	}
	r.valid = true
	r.applied++
	return true
}

// Document returns the reconstructed document. ok is false when no line was
// ever applied; callers treat that as an absent document, not an error.
func (r *Replayer) Document() (doc any, ok bool) {
	return r.state, r.valid
}

// Stats returns how many records were applied and skipped.
func (r *Replayer) Stats() (applied, skipped int) {
	return r.applied, r.skipped
}

// Replay folds the given lines and returns the final document.
func Replay(lines []string) (any, bool) {
	var r Replayer
	for _, line := range lines {
		r.Feed([]byte(line))
	}
	return r.Document()
}

// ReplayReader replays a newline-delimited log from rd. The error is only
// for I/O failures; corrupt records are skipped.
func ReplayReader(rd io.Reader) (any, bool, error) {
	var r Replayer
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		r.Feed(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("read mutation log: %w", err)
	}
	doc, ok := r.Document()
	return doc, ok, nil
}

// withinBounds reports whether every index segment of path stays within
// MaxIndexGap of the array it addresses. Missing containers count as empty.
func withinBounds(cur any, path []Segment) bool {
	for _, seg := range path {
		if seg.IsIndex {
			arr, _ := cur.([]any)
			if seg.Index < 0 || seg.Index > len(arr)+MaxIndexGap {
				return false
			}
			if seg.Index < len(arr) {
				cur = arr[seg.Index]
			} else {
				cur = nil
			}
			continue
		}
		obj, _ := cur.(map[string]any)
		cur = obj[seg.Key]
	}
	return true
}

// update walks path from cur, creating an object for a key segment or an
// array for an index segment wherever the existing value is missing or of
// the wrong type, and replaces the value at the end of the path with fn's
// result.
func update(cur any, path []Segment, fn func(any) any) any {
	if len(path) == 0 {
		return fn(cur)
	}
	seg := path[0]
	if seg.IsIndex {
		arr, ok := cur.([]any)
		if !ok {
			arr = []any{}
		}
		for len(arr) <= seg.Index {
			arr = append(arr, nil)
		}
		arr[seg.Index] = update(arr[seg.Index], path[1:], fn)
		return arr
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[seg.Key] = update(obj[seg.Key], path[1:], fn)
	return obj
}
