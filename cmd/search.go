package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/search"
)

type searchFlags struct {
	addr     string
	entity   string
	apps     []string
	regex    bool
	lastDays float64
	since    string
	until    string
	open     bool
	closed   bool
	limit    int
	jsonOut  bool
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	f := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search [flags] [query]",
		Short: "Search sessions and recent workspaces of the running daemon",
		Example: `  chatremote search "flaky test"
  chatremote search --regex 'migrat(e|ion)' --app cursor --last-days 7
  chatremote search --entity workspaces --closed`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			p, err := f.params(cmd, args)
			if err != nil {
				return err
			}
			token, err := readEditorToken(cfg)
			if err != nil {
				return err
			}
			addr := f.addr
			if addr == "" {
				addr = localAddr(listenAddr(cfg))
			}
			return runSearch(cmd.Context(), cmd.OutOrStdout(), newHostClient(addr, token), p, f.jsonOut)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *searchFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "address of the running daemon (default from config)")
	fl.StringVar(&f.entity, "entity", "both", "sessions, workspaces or both")
	fl.StringSliceVar(&f.apps, "app", nil, "limit to editors (vscode, cursor, ...); repeatable")
	fl.BoolVar(&f.regex, "regex", false, "treat the query as a regular expression")
	fl.Float64Var(&f.lastDays, "last-days", 0, "only activity within this many days")
	fl.StringVar(&f.since, "since", "", "only activity at or after this RFC 3339 time")
	fl.StringVar(&f.until, "until", "", "only activity at or before this RFC 3339 time")
	fl.BoolVar(&f.open, "open", false, "only workspaces open in an editor")
	fl.BoolVar(&f.closed, "closed", false, "only workspaces not open in an editor")
	fl.IntVar(&f.limit, "limit", 20, "maximum results per list")
	fl.BoolVar(&f.jsonOut, "json", false, "print the raw JSON result")
}

// params converts flags into search parameters. Validation of ranges and
// patterns is left to the daemon so both surfaces report the same errors.
func (f *searchFlags) params(cmd *cobra.Command, args []string) (search.Params, error) {
	p := search.Params{
		Entity: search.Entity(f.entity),
		Limit:  f.limit,
	}
	if len(args) == 1 {
		p.Query = args[0]
	}
	if f.regex {
		p.TextMode = search.ModeRegex
	}
	for _, a := range f.apps {
		p.AppTargets = append(p.AppTargets, model.AppTarget(a))
	}
	if cmd.Flags().Changed("last-days") {
		p.LastDays = &f.lastDays
	}
	for _, tf := range []struct {
		name  string
		value string
		dst   **int64
	}{
		{"since", f.since, &p.Since},
		{"until", f.until, &p.Until},
	} {
		if tf.value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tf.value)
		if err != nil {
			return p, fmt.Errorf("--%s: %w", tf.name, err)
		}
		ms := t.UnixMilli()
		*tf.dst = &ms
	}
	if f.open && f.closed {
		return p, fmt.Errorf("--open and --closed are mutually exclusive")
	}
	if f.open {
		no := false
		p.IncludeClosed = &no
	}
	if f.closed {
		no := false
		p.IncludeOpen = &no
	}
	return p, nil
}

func runSearch(ctx context.Context, w io.Writer, client *hostClient, p search.Params, jsonOut bool) error {
	var res search.Result
	if err := client.post(ctx, "/api/search", p, &res); err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	writeSearchResult(w, res)
	return nil
}

func writeSearchResult(w io.Writer, res search.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(res.Sessions) > 0 {
		fmt.Fprintf(tw, "SESSIONS (%d of %d)\n", len(res.Sessions), res.TotalSessions)
		fmt.Fprintln(tw, "ID\tTITLE\tAPP\tWORKSPACE\tLAST MESSAGE\tFLAGS")
		for _, s := range res.Sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, truncate(s.Title, 48), s.AppTarget, s.DisplayName,
				formatMillis(s.LastMessageDate), sessionFlags(s.NeedsInput, s.Live, s.WorkspaceOpen))
		}
	}
	if len(res.Workspaces) > 0 {
		if len(res.Sessions) > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "WORKSPACES (%d of %d)\n", len(res.Workspaces), res.TotalWorkspaces)
		fmt.Fprintln(tw, "LABEL\tAPP\tKIND\tPATH\tLAST ACTIVITY\tOPEN")
		for _, ws := range res.Workspaces {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n",
				ws.Label, ws.AppTarget, ws.Kind, ws.Path, formatMillis(ws.LastActivityAt), ws.WorkspaceOpen)
		}
	}
	if len(res.Sessions) == 0 && len(res.Workspaces) == 0 {
		fmt.Fprintln(tw, "No matches.")
	}
	tw.Flush()
}

func sessionFlags(needsInput, live, open bool) string {
	var flags []string
	if needsInput {
		flags = append(flags, "needs-input")
	}
	if live {
		flags = append(flags, "live")
	}
	if open {
		flags = append(flags, "open")
	}
	return strings.Join(flags, ",")
}

// formatMillis renders a Unix millisecond timestamp; zero means unknown.
func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
