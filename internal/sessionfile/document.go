package sessionfile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/mutlog"
)

// maxTitleRunes bounds titles derived from the first request text.
const maxTitleRunes = 80

// sessionDocument is the subset of the editor's chat session format we use.
// Numbers are decoded as float64 because the editor writes epoch
// milliseconds through JavaScript numbers.
type sessionDocument struct {
	SessionID       string       `json:"sessionId"`
	CustomTitle     string       `json:"customTitle"`
	CreationDate    *float64     `json:"creationDate"`
	LastMessageDate *float64     `json:"lastMessageDate"`
	Requests        []requestDoc `json:"requests"`
}

type requestDoc struct {
	RequestID  string         `json:"requestId"`
	Message    messageDoc     `json:"message"`
	Response   []responsePart `json:"response"`
	Timestamp  *float64       `json:"timestamp"`
	IsCanceled bool           `json:"isCanceled"`
}

type messageDoc struct {
	Text string `json:"text"`
}

// responsePart is one element of a request's response stream. Markdown parts
// carry their text in value (a string or a {value} object); confirmation
// parts block the assistant until the user answers them.
type responsePart struct {
	Kind     string          `json:"kind"`
	Value    json.RawMessage `json:"value"`
	Content  json.RawMessage `json:"content"`
	IsUsed   *bool           `json:"isUsed"`
	TreeData *treeDoc        `json:"treeData"`
}

type treeDoc struct {
	Label    string    `json:"label"`
	URI      string    `json:"uri"`
	Children []treeDoc `json:"children"`
}

// isLogFile reports whether path holds a mutation log rather than a plain
// JSON document.
func isLogFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

// isSessionFile reports whether name is a chat session file.
func isSessionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

// decodeFile reads and decodes a session file. found is false when a log
// holds no valid state; callers treat that as an absent session.
func decodeFile(path string) (doc sessionDocument, found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sessionDocument{}, false, apperrors.DecodeFailed(path, err)
	}
	return decodeBytes(path, data)
}

func decodeBytes(path string, data []byte) (sessionDocument, bool, error) {
	var doc sessionDocument
	if isLogFile(path) {
		state, ok, err := mutlog.ReplayReader(bytes.NewReader(data))
		if err != nil {
			return doc, false, apperrors.DecodeFailed(path, err)
		}
		if !ok {
			return doc, false, nil
		}
		// Round-trip the replayed tree through the typed decoder so both
		// formats share one shape check.
		data, err = json.Marshal(state)
		if err != nil {
			return doc, false, apperrors.DecodeFailed(path, err)
		}
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, false, apperrors.DecodeFailed(path, err)
	}
	return doc, true, nil
}

func (d sessionDocument) creationDate() int64 { return millis(d.CreationDate) }

func millis(f *float64) int64 {
	if f == nil {
		return 0
	}
	return int64(*f)
}

// record derives the session summary from a decoded document. mtime is the
// file modification time in epoch ms, used when the document has no dates.
func (d sessionDocument) record(path string, mtime int64) model.SessionRecord {
	id := d.SessionID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return model.SessionRecord{
		ID:              id,
		Title:           d.title(),
		LastMessageDate: d.lastMessageDate(mtime),
		NeedsInput:      d.needsInput(),
		JSONPath:        path,
	}
}

func (d sessionDocument) title() string {
	if t := strings.TrimSpace(d.CustomTitle); t != "" {
		return t
	}
	for _, r := range d.Requests {
		if t := strings.Join(strings.Fields(r.Message.Text), " "); t != "" {
			return truncateRunes(t, maxTitleRunes)
		}
	}
	return ""
}

func (d sessionDocument) lastMessageDate(mtime int64) int64 {
	if v := millis(d.LastMessageDate); v > 0 {
		return v
	}
	for i := len(d.Requests) - 1; i >= 0; i-- {
		if v := millis(d.Requests[i].Timestamp); v > 0 {
			return v
		}
	}
	if v := d.creationDate(); v > 0 {
		return v
	}
	return mtime
}

// needsInput is true when the newest request is waiting on an unanswered
// confirmation.
func (d sessionDocument) needsInput() bool {
	if len(d.Requests) == 0 {
		return false
	}
	last := d.Requests[len(d.Requests)-1]
	if last.IsCanceled {
		return false
	}
	for _, part := range last.Response {
		if part.Kind == "confirmation" && (part.IsUsed == nil || !*part.IsUsed) {
			return true
		}
	}
	return false
}

func (d sessionDocument) transcript() model.Transcript {
	t := model.Transcript{
		SessionID:       d.SessionID,
		Title:           d.title(),
		CreationDate:    d.creationDate(),
		LastMessageDate: millis(d.LastMessageDate),
		Requests:        make([]model.TranscriptRequest, 0, len(d.Requests)),
	}
	for _, r := range d.Requests {
		req := model.TranscriptRequest{
			ID:       r.RequestID,
			Message:  r.Message.Text,
			Canceled: r.IsCanceled,
		}
		if r.Timestamp != nil {
			req.Timestamp = int64(*r.Timestamp)
			req.HasTimestamp = true
		}
		var text strings.Builder
		for _, part := range r.Response {
			if s := part.text(); s != "" {
				text.WriteString(s)
			}
			if part.TreeData != nil {
				req.FileTrees = append(req.FileTrees, part.TreeData.fileTree())
			}
		}
		req.Response = text.String()
		t.Requests = append(t.Requests, req)
	}
	return t
}

// text extracts markdown text from a response part. Parts without a kind
// and "markdownContent" parts carry text; everything else is UI chrome.
func (p responsePart) text() string {
	if p.Kind != "" && p.Kind != "markdownContent" {
		return ""
	}
	if s, ok := stringOrValue(p.Value); ok {
		return s
	}
	if s, ok := stringOrValue(p.Content); ok {
		return s
	}
	return ""
}

// stringOrValue accepts "text" or {"value":"text"}.
func stringOrValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var md struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &md); err == nil && md.Value != "" {
		return md.Value, true
	}
	return "", false
}

func (t treeDoc) fileTree() model.FileTree {
	ft := model.FileTree{Label: t.Label, URI: t.URI}
	for _, c := range t.Children {
		ft.Children = append(ft.Children, c.fileTree())
	}
	return ft
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// ReadTranscript decodes the session file at path for history fallback.
// A log with no valid state yields an empty transcript.
func ReadTranscript(path string) (model.Transcript, error) {
	doc, found, err := decodeFile(path)
	if err != nil {
		return model.Transcript{}, err
	}
	if !found {
		return model.Transcript{}, nil
	}
	return doc.transcript(), nil
}
