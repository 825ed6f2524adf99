package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatremote/host/internal/auth"
	"github.com/chatremote/host/internal/server"
	"github.com/chatremote/host/internal/storage"
)

func issue(t *testing.T, dbPath, name string, at time.Time) *auth.Device {
	t.Helper()
	store, err := storage.Open(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d, _, err := auth.IssueDevice(store, name, at)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDevicesList(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer

	if err := runDevicesList(&buf, cfg, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No paired devices.") {
		t.Errorf("empty list output = %q", buf.String())
	}

	now := time.Now()
	phone := issue(t, cfg.DBPath, "pixel", now.Add(-3*time.Hour))
	issue(t, cfg.DBPath, "ipad", now.Add(-2*24*time.Hour))

	buf.Reset()
	if err := runDevicesList(&buf, cfg, now); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"DEVICE ID", phone.ID, "pixel", "3h ago", "ipad", "2d ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestDevicesRevoke_NotifiesDaemon(t *testing.T) {
	cfg := testConfig(t)
	d := issue(t, cfg.DBPath, "pixel", time.Now())

	var gotPath string
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"device_id":"` + d.ID + `","closed_connections":2}`))
	}))
	defer daemon.Close()

	var buf bytes.Buffer
	err := runDevicesRevoke(context.Background(), &buf, cfg, d.ID, newHostClient(hostOf(t, daemon.URL), ""))
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if gotPath != "POST /devices/"+d.ID+"/revoke" {
		t.Errorf("daemon saw %q", gotPath)
	}
	if !strings.Contains(buf.String(), "Closed 2 active connection(s).") {
		t.Errorf("output = %q", buf.String())
	}

	store, err := storage.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if got, _ := store.GetDevice(d.ID); got != nil {
		t.Error("device still stored after revoke")
	}
}

func TestDevicesRevoke_DaemonDown(t *testing.T) {
	cfg := testConfig(t)
	d := issue(t, cfg.DBPath, "pixel", time.Now())

	// Nothing listens on a freshly closed test server.
	down := httptest.NewServer(http.NotFoundHandler())
	addr := hostOf(t, down.URL)
	down.Close()

	var buf bytes.Buffer
	if err := runDevicesRevoke(context.Background(), &buf, cfg, d.ID, newHostClient(addr, "")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !strings.Contains(buf.String(), "Daemon not reachable") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestDevicesRevoke_Unknown(t *testing.T) {
	cfg := testConfig(t)
	client := newHostClient("127.0.0.1:1", "")

	if err := runDevicesRevoke(context.Background(), &bytes.Buffer{}, cfg, "nope", client); err == nil {
		t.Error("revoke with no database should fail")
	}
	issue(t, cfg.DBPath, "pixel", time.Now())
	err := runDevicesRevoke(context.Background(), &bytes.Buffer{}, cfg, "nope", client)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("revoke unknown = %v", err)
	}
}

func TestHostClient_ErrorBody(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(server.EditorTokenHeader) != "tok" {
			t.Errorf("editor token header = %q", r.Header.Get(server.EditorTokenHeader))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"query.invalid","message":"bad regex"}`))
	}))
	defer daemon.Close()

	err := newHostClient(hostOf(t, daemon.URL), "tok").get(context.Background(), "/api/search", nil)
	if err == nil || err.Error() != "bad regex (query.invalid)" {
		t.Errorf("error = %v", err)
	}
}

func TestFormatAgo(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "in the future"},
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{2 * time.Hour, "2h ago"},
		{72 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		if got := formatAgo(tt.d); got != tt.want {
			t.Errorf("formatAgo(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
