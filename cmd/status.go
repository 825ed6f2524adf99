package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/config"
	"github.com/chatremote/host/internal/server"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		addr    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = localAddr(listenAddr(cfg))
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), newHostClient(addr, ""), jsonOut)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of the running daemon (default from config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON response")
	return cmd
}

func runStatus(ctx context.Context, w io.Writer, client *hostClient, jsonOut bool) error {
	var status server.StatusResponse
	if err := client.get(ctx, "/status", &status); err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Fprintf(w, "Host Status\n")
	fmt.Fprintf(w, "===========\n")
	fmt.Fprintf(w, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(w, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(w, "Auth:         %v\n", status.RequireAuth)
	fmt.Fprintf(w, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(w, "Instances:    %d\n", status.Instances)
	fmt.Fprintf(w, "Sessions:     %d (%d need input)\n", status.Sessions, status.NeedsInput)
	fmt.Fprintf(w, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	return nil
}

// formatUptime renders seconds as "3d 4h", "2h 5m", "7m 3s" or "12s".
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	days := int64(d / (24 * time.Hour))
	hours := int64(d/time.Hour) % 24
	mins := int64(d/time.Minute) % 60
	secs := seconds % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// readEditorToken returns the token file's contents, or "" when the
// daemon has not created it yet.
func readEditorToken(cfg *config.Config) (string, error) {
	path, err := editorTokenPath(cfg)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
