package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/auth"
	"github.com/chatremote/host/internal/config"
	"github.com/chatremote/host/internal/storage"
	hosttls "github.com/chatremote/host/internal/tls"
)

// PairPayload is what the mobile app scans. Token is shown once and never
// stored in clear.
type PairPayload struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type pairFlags struct {
	name string
	addr string
	qr   bool
}

func newPairCmd(opts *globalOptions) *cobra.Command {
	f := &pairFlags{}
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a token for a mobile device",
		Long: `Create a paired device and print its bearer token. The token is shown once;
revoke it with 'chatremote devices revoke <id>'. The daemon does not need to
be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runPair(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "device name shown in 'devices list'")
	cmd.Flags().StringVar(&f.addr, "addr", "", "address the phone should use (default: LAN address of the listen port)")
	cmd.Flags().BoolVar(&f.qr, "qr", false, "print the pairing payload as a QR code")
	return cmd
}

func runPair(stdout, stderr io.Writer, cfg *config.Config, f *pairFlags) error {
	path, err := dbPath(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	device, token, err := auth.IssueDevice(store, f.name, time.Now())
	if err != nil {
		return err
	}

	payload := PairPayload{Token: token}
	addr := f.addr
	if addr == "" {
		addr = lanAddr(listenAddr(cfg))
	}
	if cfg.DisableTLS {
		payload.URL = "http://" + addr
	} else {
		payload.URL = "https://" + addr
		payload.Fingerprint, err = certFingerprint(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: no certificate yet (%v); start 'chatremote serve' once and pair again to include the fingerprint.\n", err)
		}
	}
	if !cfg.RequireAuth {
		fmt.Fprintln(stderr, "Warning: require_auth is off, so the daemon accepts requests without this token.")
	}

	if f.qr {
		return displayQRCode(stdout, device.ID, device.Name, payload)
	}
	displayPairing(stdout, device.ID, device.Name, payload)
	return nil
}

// certFingerprint reads the fingerprint of the certificate serve uses.
func certFingerprint(cfg *config.Config) (string, error) {
	dir, err := certDir()
	if err != nil {
		return "", err
	}
	certPath, _, err := hosttls.Options{Dir: dir, CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey}.Paths()
	if err != nil {
		return "", err
	}
	return hosttls.FingerprintFile(certPath)
}

func displayPairing(w io.Writer, id, name string, p PairPayload) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         DEVICE PAIRED")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  Device:      %s (%s)\n", name, id)
	fmt.Fprintf(w, "  URL:         %s\n", p.URL)
	fmt.Fprintf(w, "  Token:       %s\n", p.Token)
	if p.Fingerprint != "" {
		fmt.Fprintf(w, "  Fingerprint: %s\n", p.Fingerprint)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  The token is not shown again.")
	fmt.Fprintln(w, "===========================================")
}

// displayQRCode prints the JSON payload as a terminal QR code followed by
// the plain-text details.
func displayQRCode(w io.Writer, id, name string, p PairPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		displayPairing(w, id, name, p)
		return nil
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO PAIR")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprint(w, qr.ToSmallString(false))
	displayPairing(w, id, name, p)
	return nil
}
