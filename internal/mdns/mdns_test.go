package mdns

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTXTRecords(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "tls and auth",
			cfg:  Config{Port: 7780, Name: "desk", Fingerprint: "AA:BB", RequireAuth: true},
			want: []string{"version=1", "name=desk", "tls=1", "auth=1", "fp=AA:BB"},
		},
		{
			name: "plain",
			cfg:  Config{Port: 7780, Name: "laptop"},
			want: []string{"version=1", "name=laptop", "tls=0", "auth=0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAdvertiser(tt.cfg).TXTRecords()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("TXTRecords() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInstanceNameFallsBackToHostname(t *testing.T) {
	a := NewAdvertiser(Config{Port: 1})
	if a.instanceName() == "" {
		t.Error("instanceName() is empty")
	}
}

func TestHostFromEntry(t *testing.T) {
	got := hostFromEntry("desk-1", 7780,
		[]string{"192.168.1.20"}, []string{"fe80::1"},
		[]string{"version=1", "name=Desk", "tls=1", "auth=1", "fp=AA:BB", "garbage"})
	want := Host{
		Instance:    "desk-1",
		Name:        "Desk",
		Addr:        "192.168.1.20",
		Port:        7780,
		Version:     "1",
		Fingerprint: "AA:BB",
		TLS:         true,
		RequireAuth: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hostFromEntry() (-want +got):\n%s", diff)
	}

	v6 := hostFromEntry("x", 1, nil, []string{"fe80::1"}, nil)
	if v6.Addr != "fe80::1" || v6.Name != "x" {
		t.Errorf("ipv6 fallback = %+v", v6)
	}
}

func TestAdvertiser_StopBeforeStart(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7780})
	a.Stop()
	a.Stop()
	if a.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestAdvertiser_InvalidPort(t *testing.T) {
	if err := NewAdvertiser(Config{}).Start(); err == nil {
		t.Error("Start() with port 0 should fail")
	}
}

// Needs multicast on the test machine.
func TestAdvertiseAndDiscover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(Config{Port: 7781, Name: "chatremote-test", Fingerprint: "TEST:FP"})
	if err := a.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Stop()

	if err := a.Start(); err != nil {
		t.Fatalf("second Start() = %v, want no-op", err)
	}
	if !a.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hosts, err := Discover(ctx)
	if err != nil {
		t.Skipf("browse unavailable: %v", err)
	}
	for _, h := range hosts {
		if h.Name == "chatremote-test" {
			if h.Port != 7781 || h.Fingerprint != "TEST:FP" || !h.TLS {
				t.Errorf("discovered host = %+v", h)
			}
			return
		}
	}
	t.Log("test host not discovered; multicast may be filtered")
}
