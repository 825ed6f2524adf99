// Package tls manages the host's self-signed certificate.
//
// Mobile clients pin the certificate by its SHA-256 fingerprint, which is
// shown during pairing and published over mDNS, so the certificate is kept
// across restarts and only replaced when it is missing, unreadable or about
// to expire.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultValidity is the lifetime of a generated certificate.
const DefaultValidity = 2 * 365 * 24 * time.Hour

// renewBefore is how close to expiry a certificate is replaced.
const renewBefore = 30 * 24 * time.Hour

// timeNow is swapped in tests.
var timeNow = time.Now

// Options locate and describe the certificate.
type Options struct {
	// Dir holds host.crt and host.key when CertPath/KeyPath are empty.
	Dir      string
	CertPath string
	KeyPath  string

	// Hosts are extra SAN entries. localhost, the loopback addresses, the
	// hostname and the machine's LAN addresses are always included.
	Hosts []string

	Validity time.Duration
	Logger   *zap.Logger
}

// Paths returns the certificate and key paths opts resolve to.
func (o Options) Paths() (certPath, keyPath string, err error) {
	certPath, keyPath = o.CertPath, o.KeyPath
	if certPath != "" && keyPath != "" {
		return certPath, keyPath, nil
	}
	if o.Dir == "" {
		return "", "", errors.New("certificate directory not set")
	}
	if certPath == "" {
		certPath = filepath.Join(o.Dir, "host.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(o.Dir, "host.key")
	}
	return certPath, keyPath, nil
}

// Info describes the certificate in use.
type Info struct {
	CertPath    string
	KeyPath     string
	Fingerprint string
	NotAfter    time.Time
	Generated   bool
}

// Ensure loads the certificate named by opts, generating a new one when
// either file is missing, the pair does not load, or it expires within 30
// days.
func Ensure(opts Options) (*Info, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	certPath, keyPath, err := opts.Paths()
	if err != nil {
		return nil, err
	}

	if exists(certPath) && exists(keyPath) {
		info, err := Load(certPath, keyPath)
		switch {
		case err != nil:
			logger.Warn("existing certificate unusable, regenerating", zap.String("cert", certPath), zap.Error(err))
		case timeNow().Add(renewBefore).After(info.NotAfter):
			logger.Info("certificate near expiry, regenerating", zap.Time("not_after", info.NotAfter))
		default:
			return info, nil
		}
	}

	info, err := generate(certPath, keyPath, sanHosts(opts.Hosts), opts.Validity)
	if err != nil {
		return nil, err
	}
	logger.Info("generated self-signed certificate",
		zap.String("cert", certPath),
		zap.String("fingerprint", info.Fingerprint))
	return info, nil
}

// Load reads a certificate/key pair and reports its fingerprint.
func Load(certPath, keyPath string) (*Info, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Info{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf.Raw),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// FingerprintFile returns the fingerprint of the first certificate in a PEM
// file.
func FingerprintFile(certPath string) (string, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("%s: no PEM certificate", certPath)
	}
	return Fingerprint(block.Bytes), nil
}

// Fingerprint is the SHA-256 of DER bytes as colon separated upper-case hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	var b strings.Builder
	for i, c := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

func generate(certPath, keyPath string, hosts []string, validity time.Duration) (*Info, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := timeNow()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chatremote"}, CommonName: "chatremote host"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}
	return &Info{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(der),
		NotAfter:    tmpl.NotAfter,
		Generated:   true,
	}, nil
}

// writePEM replaces path atomically so a crash never leaves half a key.
func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	tmp := path + ".tmp"
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// sanHosts merges extra with the names a LAN client may use to reach us.
func sanHosts(extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	add("localhost")
	add("127.0.0.1")
	add("::1")
	if name, err := os.Hostname(); err == nil {
		add(name)
		if !strings.Contains(name, ".") {
			add(name + ".local")
		}
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && !ipn.IP.IsLinkLocalUnicast() {
				add(ipn.IP.String())
			}
		}
	}
	for _, h := range extra {
		add(h)
	}
	return out
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
