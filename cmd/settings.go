package main

import (
	"net"
	"path/filepath"

	"github.com/chatremote/host/internal/auth"
	"github.com/chatremote/host/internal/config"
	"github.com/chatremote/host/internal/storage"
)

// loadConfig reads the config file named by --config, or the default one.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	return config.Load(opts.configPath)
}

func dbPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	return storage.DefaultPath()
}

func editorTokenPath(cfg *config.Config) (string, error) {
	if cfg.EditorTokenPath != "" {
		return cfg.EditorTokenPath, nil
	}
	return auth.DefaultEditorTokenPath()
}

func certDir() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "certs"), nil
}

func listenAddr(cfg *config.Config) string {
	if cfg.Addr != "" {
		return cfg.Addr
	}
	return config.DefaultAddr
}

// localAddr turns a listen address into one a local client can dial:
// wildcard hosts become loopback.
func localAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}

// lanAddr returns the address a phone on the LAN should use. Wildcard and
// loopback hosts are replaced by the preferred outbound IP when one is
// known.
func lanAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && (ip.IsUnspecified() || ip.IsLoopback())) {
		if out := preferredOutboundIP(); out != "" {
			host = out
		}
	}
	return net.JoinHostPort(host, port)
}

// preferredOutboundIP asks the routing table which local address reaches
// the internet. No packet is sent for a UDP dial.
func preferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	return ""
}
