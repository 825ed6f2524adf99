package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/chatremote/host/internal/auth"
	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

const testEditorToken = "editor-secret"

type fakeEditorAuth struct{}

func (fakeEditorAuth) Validate(token string) bool { return token == testEditorToken }

// fakeDeviceAuth accepts "token-<id>" for every id in devices.
type fakeDeviceAuth struct {
	devices   map[string]bool
	forgotten []string
}

func (f *fakeDeviceAuth) ValidateToken(token string) (*auth.Device, error) {
	id := strings.TrimPrefix(token, "token-")
	if id == token || !f.devices[id] {
		return nil, auth.ErrDeviceNotFound
	}
	return &auth.Device{ID: id, Name: id}, nil
}

func (f *fakeDeviceAuth) Forget(id string) {
	f.forgotten = append(f.forgotten, id)
}

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	reg *registry.Registry
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	reg := registry.New(registry.Options{})
	cfg := Config{
		Addr:       "127.0.0.1:0",
		Registry:   reg,
		EditorAuth: fakeEditorAuth{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		ts.Close()
		reg.Close()
	})
	return &testEnv{srv: srv, ts: ts, reg: reg}
}

// do sends a request with headers. body is JSON-encoded unless it is nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) editor(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{EditorTokenHeader: testEditorToken})
}

func (e *testEnv) mobile(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, method, path, body, nil)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d; body %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	expectStatus(t, resp, status)
	got := decode[ErrorResponse](t, resp)
	if got.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", got.Code, code, got.Message)
	}
}

func registerInstance(t *testing.T, e *testEnv, id string, folders ...string) registry.InstanceInfo {
	t.Helper()
	resp := e.editor(t, http.MethodPost, "/api/editor/register", RegisterRequest{AppMeta: model.AppMeta{
		InstanceID:       id,
		AppName:          "Visual Studio Code",
		Platform:         "linux",
		WorkspaceFolders: folders,
	}})
	expectStatus(t, resp, http.StatusOK)
	return decode[registry.InstanceInfo](t, resp)
}

func TestEditorLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	info := registerInstance(t, e, "inst-1", "/home/dev/proj")
	if info.AppTarget != model.AppVSCode || info.Label != "Visual Studio Code (proj)" {
		t.Errorf("register = %+v", info)
	}

	expectStatus(t, e.editor(t, http.MethodPost, "/api/editor/inst-1/heartbeat", nil), http.StatusOK)

	sessions := []model.SessionRecord{
		{ID: "s1", Title: "Fix flaky test", LastMessageDate: 2000, Source: model.SourceWorkspace, WorkspaceDir: "/home/dev/proj"},
		{ID: "s2", Title: "Refactor parser", LastMessageDate: 1000, NeedsInput: true, Source: model.SourceWorkspace},
	}
	expectStatus(t, e.editor(t, http.MethodPut, "/api/editor/inst-1/sessions", sessions), http.StatusOK)

	resp := e.mobile(t, http.MethodGet, "/api/instances/inst-1/sessions", nil)
	expectStatus(t, resp, http.StatusOK)
	var ids []string
	for _, s := range decode[[]registry.Session](t, resp) {
		if !s.Live || s.InstanceID != "inst-1" {
			t.Errorf("session %s: live=%v instance=%q", s.ID, s.Live, s.InstanceID)
		}
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"s1", "s2"}, ids); diff != "" {
		t.Errorf("sessions (-want +got):\n%s", diff)
	}

	resp = e.mobile(t, http.MethodGet, "/api/snapshot", nil)
	expectStatus(t, resp, http.StatusOK)
	snap := decode[registry.Snapshot](t, resp)
	if len(snap.Instances) != 1 || snap.NeedsInputCount != 1 || len(snap.Sessions) != 2 {
		t.Errorf("snapshot: %d instances, %d needs input, %d sessions", len(snap.Instances), snap.NeedsInputCount, len(snap.Sessions))
	}

	resp = e.mobile(t, http.MethodGet, "/api/instances", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]registry.InstanceInfo](t, resp); len(got) != 1 || got[0].SessionCount != 2 {
		t.Errorf("instances = %+v", got)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	registerInstance(t, e, "inst-1")

	resp := e.mobile(t, http.MethodPost, "/api/instances/inst-1/commands",
		CommandRequest{Type: model.CommandSendMessage, SessionID: "s1", Message: "run the tests"})
	expectStatus(t, resp, http.StatusOK)
	queued := decode[model.Command](t, resp)
	if queued.ID == "" || queued.CreatedAt == 0 {
		t.Fatalf("queued command = %+v", queued)
	}

	resp = e.editor(t, http.MethodGet, "/api/editor/inst-1/commands", nil)
	expectStatus(t, resp, http.StatusOK)
	if diff := cmp.Diff([]model.Command{queued}, decode[[]model.Command](t, resp)); diff != "" {
		t.Errorf("pending commands (-want +got):\n%s", diff)
	}

	expectStatus(t, e.editor(t, http.MethodPost, "/api/editor/inst-1/commands/"+queued.ID+"/ack", nil), http.StatusOK)
	expectError(t, e.editor(t, http.MethodPost, "/api/editor/inst-1/commands/"+queued.ID+"/ack", nil),
		http.StatusNotFound, apperrors.CodeCommandNotFound)

	resp = e.editor(t, http.MethodGet, "/api/editor/inst-1/commands", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]model.Command](t, resp); len(got) != 0 {
		t.Errorf("commands after ack = %+v", got)
	}
}

func TestUnknownInstance(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		editor bool
	}{
		{"heartbeat", http.MethodPost, "/api/editor/ghost/heartbeat", nil, true},
		{"sessions", http.MethodPut, "/api/editor/ghost/sessions", []model.SessionRecord{}, true},
		{"live", http.MethodPut, "/api/editor/ghost/sessions/s1/live", LiveHistoryRequest{}, true},
		{"commands", http.MethodGet, "/api/editor/ghost/commands", nil, true},
		{"ack", http.MethodPost, "/api/editor/ghost/commands/c1/ack", nil, true},
		{"list sessions", http.MethodGet, "/api/instances/ghost/sessions", nil, false},
		{"history", http.MethodGet, "/api/instances/ghost/sessions/s1/history", nil, false},
		{"queue", http.MethodPost, "/api/instances/ghost/commands", CommandRequest{Type: model.CommandNewConversation}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.editor {
				resp = e.editor(t, tt.method, tt.path, tt.body)
			} else {
				resp = e.mobile(t, tt.method, tt.path, tt.body)
			}
			expectError(t, resp, http.StatusNotFound, apperrors.CodeInstanceNotFound)
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	expectError(t, e.editor(t, http.MethodPost, "/api/editor/register", RegisterRequest{}),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)

	resp := e.do(t, http.MethodPost, "/api/editor/register", nil, map[string]string{EditorTokenHeader: testEditorToken})
	expectError(t, resp, http.StatusBadRequest, apperrors.CodeServerInvalidMessage)
}

func TestEditorAuth(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		code    string
	}{
		{"missing", nil, http.StatusUnauthorized, apperrors.CodeAuthRequired},
		{"wrong header", map[string]string{EditorTokenHeader: "nope"}, http.StatusUnauthorized, apperrors.CodeAuthInvalid},
		{"header", map[string]string{EditorTokenHeader: testEditorToken}, http.StatusOK, ""},
		{"bearer", map[string]string{"Authorization": "Bearer " + testEditorToken}, http.StatusOK, ""},
		{"lowercase bearer", map[string]string{"Authorization": "bearer " + testEditorToken}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := RegisterRequest{AppMeta: model.AppMeta{InstanceID: "i-" + tt.name, AppName: "Cursor"}}
			resp := e.do(t, http.MethodPost, "/api/editor/register", body, tt.headers)
			if tt.code == "" {
				expectStatus(t, resp, tt.status)
				return
			}
			expectError(t, resp, tt.status, tt.code)
		})
	}
}

func TestLoopbackOnlyRoutes(t *testing.T) {
	srv := New(Config{Registry: registry.New(registry.Options{}), EditorAuth: fakeEditorAuth{}})
	defer srv.Stop(context.Background())
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		remote string
		want   int
	}{
		{"status from loopback", http.MethodGet, "/status", "127.0.0.1:5000", http.StatusOK},
		{"status from ipv6 loopback", http.MethodGet, "/status", "[::1]:5000", http.StatusOK},
		{"status from LAN", http.MethodGet, "/status", "192.168.1.20:5000", http.StatusForbidden},
		{"editor from LAN", http.MethodPost, "/api/editor/x/heartbeat", "10.0.0.2:5000", http.StatusForbidden},
		{"revoke from LAN", http.MethodPost, "/devices/d1/revoke", "10.0.0.2:5000", http.StatusForbidden},
		{"garbage remote", http.MethodGet, "/status", "not-an-addr", http.StatusForbidden},
		{"health from LAN", http.MethodGet, "/health", "192.168.1.20:5000", http.StatusOK},
		{"snapshot from LAN", http.MethodGet, "/api/snapshot", "192.168.1.20:5000", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.RemoteAddr = tt.remote
			req.Header.Set(EditorTokenHeader, testEditorToken)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	resp := e.mobile(t, http.MethodDelete, "/api/snapshot", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
}

func TestDeviceAuth(t *testing.T) {
	devices := &fakeDeviceAuth{devices: map[string]bool{"phone": true}}
	e := newTestEnv(t, func(c *Config) {
		c.DeviceAuth = devices
		c.RequireAuth = true
	})

	expectError(t, e.mobile(t, http.MethodGet, "/api/snapshot", nil), http.StatusUnauthorized, apperrors.CodeAuthRequired)
	expectError(t, e.do(t, http.MethodGet, "/api/snapshot", nil, map[string]string{"Authorization": "Bearer token-tablet"}),
		http.StatusUnauthorized, apperrors.CodeAuthInvalid)
	expectStatus(t, e.do(t, http.MethodGet, "/api/snapshot", nil, map[string]string{"Authorization": "Bearer token-phone"}),
		http.StatusOK)
	expectStatus(t, e.mobile(t, http.MethodGet, "/api/snapshot?token=token-phone", nil), http.StatusOK)

	// Local CLI callers may use the editor token on mobile routes.
	expectStatus(t, e.editor(t, http.MethodGet, "/api/search?query=x", nil), http.StatusOK)
	expectError(t, e.do(t, http.MethodGet, "/api/snapshot", nil, map[string]string{EditorTokenHeader: "wrong"}),
		http.StatusUnauthorized, apperrors.CodeAuthRequired)

	// Editor routes use the editor token, not device tokens.
	registerInstance(t, e, "inst-1")
	expectStatus(t, e.mobile(t, http.MethodGet, "/health", nil), http.StatusOK)
}

func TestQueueCommandValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	registerInstance(t, e, "inst-1")

	tests := []struct {
		name   string
		req    CommandRequest
		status int
		code   string
	}{
		{"missing type", CommandRequest{}, http.StatusBadRequest, apperrors.CodeCommandInvalid},
		{"unknown type", CommandRequest{Type: "reboot"}, http.StatusBadRequest, apperrors.CodeCommandInvalid},
		{"send without session", CommandRequest{Type: model.CommandSendMessage, Message: "hi"}, http.StatusBadRequest, apperrors.CodeCommandInvalid},
		{"send blank message", CommandRequest{Type: model.CommandSendMessage, SessionID: "s1", Message: "  "}, http.StatusBadRequest, apperrors.CodeCommandInvalid},
		{"open without session", CommandRequest{Type: model.CommandOpenSession}, http.StatusBadRequest, apperrors.CodeCommandInvalid},
		{"open", CommandRequest{Type: model.CommandOpenSession, SessionID: "s1"}, http.StatusOK, ""},
		{"new conversation", CommandRequest{Type: model.CommandNewConversation}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.mobile(t, http.MethodPost, "/api/instances/inst-1/commands", tt.req)
			if tt.code == "" {
				expectStatus(t, resp, tt.status)
				if got := decode[model.Command](t, resp); got.Type != tt.req.Type {
					t.Errorf("type = %q, want %q", got.Type, tt.req.Type)
				}
				return
			}
			expectError(t, resp, tt.status, tt.code)
		})
	}
}

func TestQueueCommandRateLimited(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.CommandRate = 0.001
		c.CommandBurst = 2
	})
	registerInstance(t, e, "inst-1")
	registerInstance(t, e, "inst-2")

	req := CommandRequest{Type: model.CommandNewConversation}
	expectStatus(t, e.mobile(t, http.MethodPost, "/api/instances/inst-1/commands", req), http.StatusOK)
	expectStatus(t, e.mobile(t, http.MethodPost, "/api/instances/inst-1/commands", req), http.StatusOK)
	expectError(t, e.mobile(t, http.MethodPost, "/api/instances/inst-1/commands", req),
		http.StatusTooManyRequests, apperrors.CodeCommandRateLimited)

	// Buckets are per instance.
	expectStatus(t, e.mobile(t, http.MethodPost, "/api/instances/inst-2/commands", req), http.StatusOK)
}

func TestQueueCommandUnknownInstanceSkipsLimiter(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.CommandRate = 0.001
		c.CommandBurst = 1
	})

	req := CommandRequest{Type: model.CommandNewConversation}
	for i := 0; i < 3; i++ {
		expectError(t, e.mobile(t, http.MethodPost, "/api/instances/ghost/commands", req),
			http.StatusNotFound, apperrors.CodeInstanceNotFound)
	}
	e.srv.limiters.mu.Lock()
	n := len(e.srv.limiters.limiters)
	e.srv.limiters.mu.Unlock()
	if n != 0 {
		t.Errorf("limiters = %d, want none for unknown instances", n)
	}
}

func stamp(v int64) *float64 {
	f := float64(v)
	return &f
}

func TestLiveHistory(t *testing.T) {
	e := newTestEnv(t, nil)
	registerInstance(t, e, "inst-1")

	updated := int64(5000)
	live := LiveHistoryRequest{
		Messages: []registry.LiveMessage{
			{ID: "m1", Role: model.RoleUser, Text: "why does it fail?", Timestamp: stamp(1000)},
			{ID: "m2", Role: model.RoleAssistant, Text: "the fixture is stale", Timestamp: stamp(2000)},
			{Role: "system", Text: "dropped", Timestamp: stamp(3000)},
		},
		UpdatedAt: &updated,
	}
	expectStatus(t, e.editor(t, http.MethodPut, "/api/editor/inst-1/sessions/s1/live", live), http.StatusOK)

	resp := e.mobile(t, http.MethodGet, "/api/instances/inst-1/sessions/s1/history", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[HistoryResponse](t, resp)
	want := []model.ConversationMessage{
		{ID: "m1", Role: model.RoleUser, Text: "why does it fail?", Timestamp: 1000},
		{ID: "m2", Role: model.RoleAssistant, Text: "the fixture is stale", Timestamp: 2000},
	}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	resp = e.mobile(t, http.MethodGet, "/api/instances/inst-1/sessions/s1/history?limit=1", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[HistoryResponse](t, resp); len(got.Messages) != 1 || got.Messages[0].ID != "m2" {
		t.Errorf("limit=1 history = %+v", got.Messages)
	}

	expectError(t, e.mobile(t, http.MethodGet, "/api/instances/inst-1/sessions/s1/history?limit=ten", nil),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)
	expectError(t, e.mobile(t, http.MethodGet, "/api/instances/inst-1/sessions/nope/history", nil),
		http.StatusNotFound, apperrors.CodeSessionNotFound)
}

func TestSearchEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	registerInstance(t, e, "inst-1", "/home/dev/proj")
	sessions := []model.SessionRecord{
		{ID: "s1", Title: "Fix flaky test", LastMessageDate: 2000, Source: model.SourceWorkspace},
		{ID: "s2", Title: "Refactor parser", LastMessageDate: 1000, Source: model.SourceWorkspace},
	}
	expectStatus(t, e.editor(t, http.MethodPut, "/api/editor/inst-1/sessions", sessions), http.StatusOK)

	resp := e.mobile(t, http.MethodGet, "/api/search?entity=sessions&q=FLAKY", nil)
	expectStatus(t, resp, http.StatusOK)
	res := decode[struct {
		Sessions      []registry.Session `json:"sessions"`
		TotalSessions int                `json:"totalSessions"`
	}](t, resp)
	if res.TotalSessions != 1 || len(res.Sessions) != 1 || res.Sessions[0].ID != "s1" {
		t.Errorf("GET search = %+v", res)
	}

	resp = e.mobile(t, http.MethodPost, "/api/search", map[string]any{
		"entity":   "sessions",
		"textMode": "regex",
		"query":    "^refactor",
	})
	expectStatus(t, resp, http.StatusOK)
	res = decode[struct {
		Sessions      []registry.Session `json:"sessions"`
		TotalSessions int                `json:"totalSessions"`
	}](t, resp)
	if res.TotalSessions != 1 || res.Sessions[0].ID != "s2" {
		t.Errorf("POST search = %+v", res)
	}

	// An empty POST body searches everything.
	expectStatus(t, e.do(t, http.MethodPost, "/api/search", nil, nil), http.StatusOK)

	expectError(t, e.mobile(t, http.MethodGet, "/api/search?textMode=regex&q=(", nil),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)
	expectError(t, e.mobile(t, http.MethodGet, "/api/search?since=10&until=5", nil),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)
	expectError(t, e.mobile(t, http.MethodGet, "/api/search?appTarget=emacs", nil),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)
}

func TestInstanceLookup(t *testing.T) {
	e := newTestEnv(t, nil)
	registerInstance(t, e, "inst-1", "/home/dev/proj")
	expectStatus(t, e.editor(t, http.MethodPut, "/api/editor/inst-1/sessions",
		[]model.SessionRecord{{ID: "s1", Title: "t", Source: model.SourceWorkspace}}), http.StatusOK)

	resp := e.mobile(t, http.MethodGet, "/api/sessions/s1/instance", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[InstanceLookupResponse](t, resp); got.InstanceID != "inst-1" {
		t.Errorf("session instance = %q", got.InstanceID)
	}
	expectError(t, e.mobile(t, http.MethodGet, "/api/sessions/nope/instance", nil),
		http.StatusNotFound, apperrors.CodeSessionNotFound)

	resp = e.mobile(t, http.MethodGet, "/api/workspaces/instance?dir=/home/dev/proj/", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[InstanceLookupResponse](t, resp); got.InstanceID != "inst-1" {
		t.Errorf("workspace instance = %q", got.InstanceID)
	}
	expectError(t, e.mobile(t, http.MethodGet, "/api/workspaces/instance?dir=/elsewhere", nil),
		http.StatusNotFound, apperrors.CodeInstanceNotFound)
	expectError(t, e.mobile(t, http.MethodGet, "/api/workspaces/instance", nil),
		http.StatusBadRequest, apperrors.CodeQueryInvalid)
}

func TestStatusResponse(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.RequireAuth = true })
	registerInstance(t, e, "inst-1")

	resp := e.mobile(t, http.MethodGet, "/status", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[StatusResponse](t, resp)
	if got.Instances != 1 || !got.RequireAuth || got.TLSEnabled || got.UptimeSeconds < 0 {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.InstanceNotFound("i"), http.StatusNotFound},
		{apperrors.SessionNotFound("i", "s"), http.StatusNotFound},
		{apperrors.InvalidQuery("x"), http.StatusBadRequest},
		{apperrors.InvalidCommand("x"), http.StatusBadRequest},
		{apperrors.New(apperrors.CodeAuthInvalid, "x"), http.StatusUnauthorized},
		{apperrors.New(apperrors.CodeCommandRateLimited, "x"), http.StatusTooManyRequests},
		{apperrors.DecodeFailed("/p", errors.New("bad")), http.StatusUnprocessableEntity},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		writeError(rr, tt.err, 0)
		if rr.Code != tt.want {
			t.Errorf("writeError(%v) status = %d, want %d", tt.err, rr.Code, tt.want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	srv := New(Config{Addr: "127.0.0.1:0", Registry: reg})

	errCh := srv.StartAsync()
	if err := <-errCh; err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("health body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	http.DefaultClient.CloseIdleConnections()

	// Mutations after Stop must not panic on the closed broadcast channel.
	reg.Register(context.Background(), model.AppMeta{InstanceID: "late", AppName: "Code"}, registry.RegisterOptions{})
}

func TestStartAsyncPortInUse(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()

	first := New(Config{Addr: "127.0.0.1:0", Registry: reg})
	if err := <-first.StartAsync(); err != nil {
		t.Fatal(err)
	}
	defer first.Stop(context.Background())

	second := New(Config{Addr: first.Addr(), Registry: registry.New(registry.Options{})})
	if err := <-second.StartAsync(); err == nil {
		t.Fatal("expected bind error for a port in use")
	}
	second.Stop(context.Background())
}

func TestStartAsyncTLSMissingCert(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})
	err := <-srv.StartAsyncTLS(TLSConfig{CertPath: "/nonexistent.crt", KeyPath: "/nonexistent.key"})
	if err == nil {
		t.Fatal("expected error for missing certificate")
	}
	srv.Stop(context.Background())
}
