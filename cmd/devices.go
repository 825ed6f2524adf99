package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/config"
	"github.com/chatremote/host/internal/server"
	"github.com/chatremote/host/internal/storage"
)

func newDevicesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runDevicesList(cmd.OutOrStdout(), cfg, time.Now())
		},
	}

	var addr string
	revoke := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device token and disconnect it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = localAddr(listenAddr(cfg))
			}
			return runDevicesRevoke(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], newHostClient(addr, ""))
		},
	}
	revoke.Flags().StringVar(&addr, "addr", "", "address of the running daemon (default from config)")

	cmd.AddCommand(list, revoke)
	return cmd
}

// openExistingStore opens the device database, or returns nil when it has
// never been created.
func openExistingStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	path, err := dbPath(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return storage.Open(path, nil)
}

func runDevicesList(w io.Writer, cfg *config.Config, now time.Time) error {
	store, err := openExistingStore(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintln(w, "No paired devices.")
		return nil
	}
	defer store.Close()

	devices, err := store.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No paired devices.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tCREATED\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Name, formatAgo(now.Sub(d.CreatedAt)), formatAgo(now.Sub(d.LastSeen)))
	}
	return tw.Flush()
}

// runDevicesRevoke deletes the device row, then asks a running daemon to
// close the device's websockets. The daemon being down is not an error.
func runDevicesRevoke(ctx context.Context, w io.Writer, cfg *config.Config, id string, client *hostClient) error {
	store, err := openExistingStore(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("device %s not found", id)
	}
	defer store.Close()

	device, err := store.GetDevice(id)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("device %s not found", id)
	}
	if _, err := store.DeleteDevice(id); err != nil {
		return err
	}
	fmt.Fprintf(w, "Revoked device: %s (%s)\n", device.ID, device.Name)

	var resp server.RevokeResponse
	if err := client.post(ctx, "/devices/"+id+"/revoke", nil, &resp); err != nil {
		fmt.Fprintln(w, "Daemon not reachable; new requests with this token are rejected, open websockets stay up until it restarts.")
		return nil
	}
	fmt.Fprintf(w, "Closed %d active connection(s).\n", resp.ClosedConnections)
	return nil
}

// formatAgo renders d as "just now", "5m ago", "2h ago" or "3d ago".
func formatAgo(d time.Duration) string {
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
