package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/registry"
	"github.com/chatremote/host/internal/search"
	"github.com/chatremote/host/internal/server"
)

func parseSearchFlags(t *testing.T, args ...string) (search.Params, error) {
	t.Helper()
	f := &searchFlags{}
	cmd := &cobra.Command{Use: "search"}
	f.bind(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return f.params(cmd, cmd.Flags().Args())
}

func TestSearchFlags(t *testing.T) {
	week := 7.0
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	no := false

	tests := []struct {
		name string
		args []string
		want search.Params
	}{
		{
			name: "defaults",
			args: []string{"flaky test"},
			want: search.Params{Entity: search.EntityBoth, Limit: 20, Query: "flaky test"},
		},
		{
			name: "regex app window",
			args: []string{"--regex", "--app", "cursor", "--app", "vscode", "--last-days", "7", "migrat(e|ion)"},
			want: search.Params{
				Entity:     search.EntityBoth,
				Limit:      20,
				Query:      "migrat(e|ion)",
				TextMode:   search.ModeRegex,
				AppTargets: []model.AppTarget{model.AppCursor, model.AppVSCode},
				LastDays:   &week,
			},
		},
		{
			name: "closed workspaces since",
			args: []string{"--entity", "workspaces", "--closed", "--since", "2026-03-01T00:00:00Z", "--limit", "5"},
			want: search.Params{Entity: search.EntityWorkspaces, Limit: 5, Since: &since, IncludeOpen: &no},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSearchFlags(t, tt.args...)
			if err != nil {
				t.Fatalf("params: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("params (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchFlags_Errors(t *testing.T) {
	if _, err := parseSearchFlags(t, "--open", "--closed"); err == nil {
		t.Error("--open with --closed should fail")
	}
	if _, err := parseSearchFlags(t, "--until", "yesterday"); err == nil || !strings.Contains(err.Error(), "--until") {
		t.Errorf("bad --until = %v", err)
	}
}

func TestRunSearch(t *testing.T) {
	var got search.Params
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/search" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(server.EditorTokenHeader) != "local-token" {
			t.Errorf("missing editor token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(search.Result{
			Sessions: []registry.Session{{
				SessionRecord: model.SessionRecord{
					ID:              "s1",
					Title:           "Fix the flaky scheduler test",
					LastMessageDate: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMilli(),
					NeedsInput:      true,
					AppTarget:       model.AppCursor,
					DisplayName:     "scheduler",
				},
				Live:          true,
				WorkspaceOpen: true,
			}},
			Workspaces: []model.RecentWorkspaceRecord{{
				Label:     "scheduler",
				Path:      "/src/scheduler",
				AppTarget: model.AppCursor,
			}},
			TotalSessions:   3,
			TotalWorkspaces: 1,
			Limit:           1,
		})
	}))
	defer daemon.Close()

	var buf bytes.Buffer
	p := search.Params{Query: "flaky", Limit: 1}
	if err := runSearch(context.Background(), &buf, newHostClient(hostOf(t, daemon.URL), "local-token"), p, false); err != nil {
		t.Fatal(err)
	}
	if got.Query != "flaky" || got.Limit != 1 {
		t.Errorf("daemon received %+v", got)
	}
	out := buf.String()
	for _, want := range []string{"SESSIONS (1 of 3)", "Fix the flaky scheduler test", "needs-input,live,open", "WORKSPACES (1 of 1)", "/src/scheduler"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSearchResult_Empty(t *testing.T) {
	var buf bytes.Buffer
	writeSearchResult(&buf, search.Result{})
	if strings.TrimSpace(buf.String()) != "No matches." {
		t.Errorf("output = %q", buf.String())
	}
}

func TestFormatMillisAndTruncate(t *testing.T) {
	if formatMillis(0) != "-" {
		t.Error("zero timestamp should render as unknown")
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
