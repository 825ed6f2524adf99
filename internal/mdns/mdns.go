// Package mdns advertises the host on the local network with DNS-SD so a
// mobile client can find it without typing an address.
//
// Discovery reveals presence only. Requests still need a paired device token
// when the daemon runs with authentication enabled.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType is the DNS-SD service type of a chatremote host.
const ServiceType = "_chatremote._tcp"

// Domain is the DNS-SD browse and register domain.
const Domain = "local."

// ProtocolVersion is advertised so clients can reject hosts they cannot
// talk to.
const ProtocolVersion = "1"

// Config describes what is advertised.
type Config struct {
	Port int

	// Name is the instance name. Empty means the system hostname.
	Name string

	// Fingerprint is the SHA-256 fingerprint of the TLS certificate, empty
	// when TLS is off.
	Fingerprint string

	RequireAuth bool
	Logger      *zap.Logger
}

// Advertiser owns one zeroconf registration.
type Advertiser struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser returns an advertiser that is not yet registered.
func NewAdvertiser(cfg Config) *Advertiser {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{cfg: cfg, logger: logger}
}

func (a *Advertiser) instanceName() string {
	if a.cfg.Name != "" {
		return a.cfg.Name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "chatremote"
}

// TXTRecords returns the key=value strings published with the service.
func (a *Advertiser) TXTRecords() []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + a.instanceName(),
		"tls=" + boolFlag(a.cfg.Fingerprint != ""),
		"auth=" + boolFlag(a.cfg.RequireAuth),
	}
	if a.cfg.Fingerprint != "" {
		txt = append(txt, "fp="+a.cfg.Fingerprint)
	}
	return txt
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Start registers the service. Calling Start on a running advertiser is a
// no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}
	if a.cfg.Port <= 0 {
		return fmt.Errorf("mdns register: invalid port %d", a.cfg.Port)
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, Domain, a.cfg.Port, a.TXTRecords(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	a.logger.Info("advertising on local network",
		zap.String("service", ServiceType),
		zap.String("name", name),
		zap.Int("port", a.cfg.Port))
	return nil
}

// Stop withdraws the registration. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Debug("mdns advertisement withdrawn")
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Host is one discovered chatremote host.
type Host struct {
	Instance    string `json:"instance"`
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint,omitempty"`
	TLS         bool   `json:"tls"`
	RequireAuth bool   `json:"requireAuth"`
}

// hostFromEntry converts a resolved service entry. IPv4 is preferred.
func hostFromEntry(instance string, port int, ipv4, ipv6 []string, text []string) Host {
	h := Host{Instance: instance, Name: instance, Port: port}
	switch {
	case len(ipv4) > 0:
		h.Addr = ipv4[0]
	case len(ipv6) > 0:
		h.Addr = ipv6[0]
	}
	for _, kv := range text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			h.Version = value
		case "name":
			if value != "" {
				h.Name = value
			}
		case "fp":
			h.Fingerprint = value
		case "tls":
			h.TLS = value == "1"
		case "auth":
			h.RequireAuth = value == "1"
		}
	}
	return h
}

// Discover browses for hosts until ctx is done and returns what it found.
func Discover(ctx context.Context) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		hosts []Host
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			ipv4 := make([]string, 0, len(e.AddrIPv4))
			for _, ip := range e.AddrIPv4 {
				ipv4 = append(ipv4, ip.String())
			}
			ipv6 := make([]string, 0, len(e.AddrIPv6))
			for _, ip := range e.AddrIPv6 {
				ipv6 = append(ipv6, ip.String())
			}
			hosts = append(hosts, hostFromEntry(e.Instance, e.Port, ipv4, ipv6, e.Text))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	// zeroconf closes entries once the context ends.
	wg.Wait()
	return hosts, nil
}
