package sessionfile

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chatremote/host/internal/model"
)

// fixture builds a fake editor user-data directory.
type fixture struct {
	t    *testing.T
	root string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, root: t.TempDir()}
}

func (f *fixture) write(rel, content string) string {
	f.t.Helper()
	path := filepath.Join(f.root, "User", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func (f *fixture) workspace(hash, folderURI string) {
	f.write(filepath.Join(workspaceStorageDir, hash, workspaceJSON), `{"folder":"`+folderURI+`"}`)
}

func (f *fixture) scanner() *FileScanner {
	return NewFileScanner(Options{Roots: map[model.AppTarget]string{model.AppVSCode: f.root}})
}

func TestScan_InstanceScope(t *testing.T) {
	f := newFixture(t)
	f.workspace("aaa", "file:///work/api")
	f.workspace("bbb", "file:///work/web")
	apiSession := f.write("workspaceStorage/aaa/chatSessions/s1.json",
		`{"sessionId":"s1","customTitle":"Fix login","lastMessageDate":200,"requests":[]}`)
	f.write("workspaceStorage/bbb/chatSessions/s2.json",
		`{"sessionId":"s2","lastMessageDate":300,"requests":[]}`)
	f.write("globalStorage/emptyWindowChatSessions/e1.json",
		`{"sessionId":"e1","lastMessageDate":400,"requests":[]}`)

	scope := model.ScanScope{
		AppTarget:        model.AppVSCode,
		Platform:         "linux",
		InstanceID:       "inst-1",
		WorkspaceFolders: []string{"/work/api/"},
	}
	got, err := f.scanner().Scan(context.Background(), scope)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	want := []model.SessionRecord{{
		ID:              "s1",
		Title:           "Fix login",
		LastMessageDate: 200,
		Source:          model.SourceWorkspace,
		WorkspaceID:     "aaa",
		WorkspaceDir:    "/work/api",
		DisplayName:     "api",
		JSONPath:        apiSession,
		InstanceID:      "inst-1",
		AppTarget:       model.AppVSCode,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_GlobalScope(t *testing.T) {
	f := newFixture(t)
	f.workspace("aaa", "file:///work/api")
	f.workspace("bbb", "vscode-remote://ssh-remote%2Bbox/home/dev")
	f.write("workspaceStorage/aaa/chatSessions/s1.json", `{"sessionId":"s1","lastMessageDate":200}`)
	f.write("workspaceStorage/bbb/chatSessions/s2.json", `{"sessionId":"s2","lastMessageDate":300}`)
	f.write("globalStorage/emptyWindowChatSessions/e1.jsonl",
		`{"kind":0,"v":{"sessionId":"e1","lastMessageDate":100,"requests":[]}}`)

	got, err := f.scanner().Scan(context.Background(), model.GlobalScope(model.AppVSCode))
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
		if r.InstanceID != "" {
			t.Errorf("global record %s has instanceId %q", r.ID, r.InstanceID)
		}
	}
	if diff := cmp.Diff([]string{"s2", "s1", "e1"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if got[0].WorkspaceDir != "" {
		t.Errorf("remote workspace should have no local dir, got %q", got[0].WorkspaceDir)
	}
	if got[2].Source != model.SourceEmptyWindow {
		t.Errorf("e1 source = %q, want empty-window", got[2].Source)
	}
}

func TestScan_EmptyWindowInstance(t *testing.T) {
	f := newFixture(t)
	f.workspace("aaa", "file:///work/api")
	f.write("workspaceStorage/aaa/chatSessions/s1.json", `{"sessionId":"s1"}`)
	f.write("globalStorage/emptyWindowChatSessions/e1.json", `{"sessionId":"e1","lastMessageDate":5}`)

	got, err := f.scanner().Scan(context.Background(), model.ScanScope{AppTarget: model.AppVSCode, InstanceID: "w"})
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("Scan() = %+v, want only e1", got)
	}
}

func TestScan_SkipsUndecodableFiles(t *testing.T) {
	f := newFixture(t)
	f.workspace("aaa", "file:///work/api")
	f.write("workspaceStorage/aaa/chatSessions/good.json", `{"sessionId":"good","lastMessageDate":1}`)
	f.write("workspaceStorage/aaa/chatSessions/broken.json", `{"sessionId":`)
	f.write("workspaceStorage/aaa/chatSessions/empty.jsonl", "garbage\n")
	f.write("workspaceStorage/aaa/chatSessions/notes.txt", "hello")

	got, err := f.scanner().Scan(context.Background(), model.GlobalScope(model.AppVSCode))
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Fatalf("Scan() = %+v, want only good", got)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	s := NewFileScanner(Options{Roots: map[model.AppTarget]string{model.AppCursor: filepath.Join(t.TempDir(), "nope")}})
	got, err := s.Scan(context.Background(), model.GlobalScope(model.AppCursor))
	if err != nil || len(got) != 0 {
		t.Errorf("Scan() = (%v, %v), want empty", got, err)
	}
	got, err = s.Scan(context.Background(), model.GlobalScope(model.AppWindsurf))
	if err != nil || len(got) != 0 {
		t.Errorf("Scan() for unknown root = (%v, %v), want empty", got, err)
	}
}

func TestDocumentDerivedFields(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		mtime     int64
		wantTitle string
		wantLast  int64
		wantNeeds bool
	}{
		{
			name:      "title from first request",
			doc:       `{"sessionId":"a","requests":[{"message":{"text":"  refactor\nthe   parser "},"timestamp":70}]}`,
			wantTitle: "refactor the parser",
			wantLast:  70,
		},
		{
			name:     "creation date fallback",
			doc:      `{"sessionId":"a","creationDate":40,"requests":[]}`,
			wantLast: 40,
		},
		{
			name:     "mtime fallback",
			doc:      `{"sessionId":"a"}`,
			mtime:    99,
			wantLast: 99,
		},
		{
			name:      "pending confirmation",
			doc:       `{"sessionId":"a","lastMessageDate":5,"requests":[{"response":[{"value":"ok"},{"kind":"confirmation"}]}]}`,
			wantLast:  5,
			wantNeeds: true,
		},
		{
			name:     "used confirmation",
			doc:      `{"sessionId":"a","lastMessageDate":5,"requests":[{"response":[{"kind":"confirmation","isUsed":true}]}]}`,
			wantLast: 5,
		},
		{
			name:     "canceled request",
			doc:      `{"sessionId":"a","lastMessageDate":5,"requests":[{"isCanceled":true,"response":[{"kind":"confirmation"}]}]}`,
			wantLast: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, found, err := decodeBytes("x.json", []byte(tt.doc))
			if err != nil || !found {
				t.Fatalf("decodeBytes() = (%v, %v)", found, err)
			}
			rec := doc.record("x.json", tt.mtime)
			if rec.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", rec.Title, tt.wantTitle)
			}
			if rec.LastMessageDate != tt.wantLast {
				t.Errorf("LastMessageDate = %d, want %d", rec.LastMessageDate, tt.wantLast)
			}
			if rec.NeedsInput != tt.wantNeeds {
				t.Errorf("NeedsInput = %v, want %v", rec.NeedsInput, tt.wantNeeds)
			}
		})
	}
}

func TestReadTranscript(t *testing.T) {
	f := newFixture(t)
	path := f.write("globalStorage/emptyWindowChatSessions/t.jsonl", ""+
		`{"kind":0,"v":{"sessionId":"t","creationDate":1000,"requests":[]}}`+"\n"+
		`{"kind":2,"k":["requests"],"v":[{"requestId":"r1","message":{"text":"hi"},"response":[{"value":"hel"}]}]}`+"\n"+
		`{"kind":2,"k":["requests",0,"response"],"v":[{"kind":"markdownContent","content":{"value":"lo"}},{"kind":"treeData","treeData":{"label":"src","children":[{"label":"a.go","uri":"file:///src/a.go"}]}}]}`+"\n")

	got, err := ReadTranscript(path)
	if err != nil {
		t.Fatalf("ReadTranscript() error: %v", err)
	}
	want := model.Transcript{
		SessionID:    "t",
		Title:        "hi",
		CreationDate: 1000,
		Requests: []model.TranscriptRequest{{
			ID:       "r1",
			Message:  "hi",
			Response: "hello",
			FileTrees: []model.FileTree{{
				Label:    "src",
				Children: []model.FileTree{{Label: "a.go", URI: "file:///src/a.go"}},
			}},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadTranscript() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTranscript_DecodeFailure(t *testing.T) {
	f := newFixture(t)
	path := f.write("x/bad.json", `[1,2`)
	if _, err := ReadTranscript(path); err == nil {
		t.Fatal("expected decode failure")
	}
	if _, err := ReadTranscript(filepath.Join(f.root, "missing.json")); err == nil {
		t.Fatal("expected decode failure for missing file")
	}
}

func TestFileURIToPath(t *testing.T) {
	tests := []struct {
		uri    string
		want   string
		wantOK bool
	}{
		{"file:///home/dev/my%20proj", "/home/dev/my proj", true},
		{"file:///c%3A/Users/dev/proj", `c:\Users\dev\proj`, true},
		{"file:///C:/code", `C:\code`, true},
		{"file://server/share/proj", `\\server\share\proj`, true},
		{"vscode-remote://ssh-remote%2Bbox/home", "", false},
		{"untitled:Untitled-1", "", false},
	}
	for _, tt := range tests {
		got, ok := FileURIToPath(tt.uri)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("FileURIToPath(%q) = (%q, %v), want (%q, %v)", tt.uri, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestConfigRoot(t *testing.T) {
	home := func() (string, error) { return "/home/dev", nil }
	env := map[string]string{"APPDATA": `C:\Users\dev\AppData\Roaming`}
	getenv := func(k string) string { return env[k] }

	if got := configRoot("windows", getenv, home); got != env["APPDATA"] {
		t.Errorf("windows root = %q", got)
	}
	if got := configRoot("linux", getenv, home); got != filepath.Join("/home/dev", ".config") {
		t.Errorf("linux root = %q", got)
	}
	env["XDG_CONFIG_HOME"] = "/xdg"
	if got := configRoot("linux", getenv, home); got != "/xdg" {
		t.Errorf("xdg root = %q", got)
	}
}

func TestRecent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file URI fixtures use POSIX paths")
	}
	f := newFixture(t)
	dbPath := filepath.Join(f.root, "User", globalStorageDir, stateDB)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	if err == nil {
		_, err = db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, recentlyOpenedKey,
			`{"entries":[{"folderUri":"file:///work/api"},{"fileUri":"file:///tmp/a.txt"},`+
				`{"workspace":{"id":"x","configPath":"file:///work/team.code-workspace"}},`+
				`{"folderUri":"vscode-remote://ssh-remote%2Bbox/srv"}]}`)
	}
	db.Close()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := f.scanner().Recent(context.Background(), model.AppVSCode)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	want := []model.RecentEntry{
		{Path: "/work/api", Kind: model.KindFolder, Rank: 0},
		{Path: "/work/team.code-workspace", Kind: model.KindWorkspaceFile, Rank: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecent_MissingDB(t *testing.T) {
	f := newFixture(t)
	got, err := f.scanner().Recent(context.Background(), model.AppVSCode)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent() = (%v, %v), want empty", got, err)
	}
}
