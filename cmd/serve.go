package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chatremote/host/internal/auth"
	"github.com/chatremote/host/internal/config"
	"github.com/chatremote/host/internal/logging"
	"github.com/chatremote/host/internal/mdns"
	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/registry"
	"github.com/chatremote/host/internal/search"
	"github.com/chatremote/host/internal/server"
	"github.com/chatremote/host/internal/sessionfile"
	"github.com/chatremote/host/internal/storage"
	hosttls "github.com/chatremote/host/internal/tls"
	"github.com/chatremote/host/internal/watch"
)

// shutdownTimeout bounds the graceful stop of the HTTP server.
const shutdownTimeout = 5 * time.Second

// serveFlags mirror config keys. Only flags the user set override the file.
type serveFlags struct {
	addr           string
	noTLS          bool
	requireAuth    bool
	mdns           bool
	logLevel       string
	logFormat      string
	editorToken    string
	db             string
	rescanInterval time.Duration
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon in the foreground. It tracks editor instances that register
over the local API, scans editor storage for chat sessions and serves them to
paired mobile clients. Stop it with Ctrl-C or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, f.editorToken, cmd.OutOrStdout(), nil)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", config.DefaultAddr, "listen address")
	fl.BoolVar(&f.noTLS, "no-tls", false, "serve plain HTTP")
	fl.BoolVar(&f.requireAuth, "require-auth", false, "require a paired-device token on mobile routes")
	fl.BoolVar(&f.mdns, "mdns", false, "advertise on the local network")
	fl.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "console", "console or json")
	fl.StringVar(&f.editorToken, "editor-token", "", "use this editor token instead of the token file")
	fl.StringVar(&f.db, "db", "", "device database (default ~/.chatremote/chatremote.db)")
	fl.DurationVar(&f.rescanInterval, "rescan-interval", registry.DefaultRescanInterval, "minimum time between scans of one editor")
}

// apply copies explicitly set flags over cfg and revalidates it.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("no-tls") {
		cfg.DisableTLS = f.noTLS
	}
	if changed("require-auth") {
		cfg.RequireAuth = f.requireAuth
	}
	if changed("mdns") {
		cfg.MdnsEnabled = f.mdns
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("db") {
		cfg.DBPath = f.db
	}
	if changed("rescan-interval") {
		if f.rescanInterval <= 0 {
			return fmt.Errorf("--rescan-interval must be positive")
		}
		cfg.RescanIntervalMs = int(f.rescanInterval / time.Millisecond)
	}
	return cfg.Validate()
}

// runServe runs the daemon until ctx is cancelled. ready, when set, is
// called with the bound address once the listener is up.
func runServe(ctx context.Context, cfg *config.Config, editorTokenOverride string, stdout io.Writer, ready func(addr string)) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer logging.RedirectStdLog(logger)()

	tokenPath, err := editorTokenPath(cfg)
	if err != nil {
		return err
	}
	editorToken := auth.NewEditorToken(tokenPath, logger.Named("auth"))
	if editorTokenOverride != "" {
		editorToken.Set(editorTokenOverride)
	} else if _, err := editorToken.Ensure(); err != nil {
		return err
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(path, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	apps := cfg.Targets()
	if apps == nil {
		apps = model.KnownAppTargets
	}
	scanner := sessionfile.NewFileScanner(sessionfile.Options{
		Roots:  cfg.Roots(sessionfile.DefaultRoots()),
		Logger: logger.Named("sessionfile"),
	})
	reg := registry.New(registry.Options{
		Scanner:        scanner,
		Recent:         scanner,
		Transcripts:    scanner,
		Logger:         logger.Named("registry"),
		StaleAfter:     cfg.StaleAfter(),
		RescanInterval: cfg.RescanInterval(),
		HistoryCap:     cfg.HistoryCap,
		AppTargets:     apps,
	})
	defer reg.Close()

	srvCfg := server.Config{
		Addr:         listenAddr(cfg),
		Registry:     reg,
		Search:       search.New(logger.Named("search")),
		EditorAuth:   editorToken,
		DeviceAuth:   auth.NewTokenValidator(store, logger.Named("auth")),
		RequireAuth:  cfg.RequireAuth,
		CommandBurst: cfg.CommandBurst,
		Logger:       logger.Named("server"),
	}
	if cfg.CommandRate > 0 {
		srvCfg.CommandRate = rate.Limit(cfg.CommandRate)
	}
	srv := server.New(srvCfg)

	var fingerprint string
	var started <-chan error
	if cfg.DisableTLS {
		started = srv.StartAsync()
	} else {
		dir, err := certDir()
		if err != nil {
			return err
		}
		cert, err := hosttls.Ensure(hosttls.Options{
			Dir:      dir,
			CertPath: cfg.TLSCert,
			KeyPath:  cfg.TLSKey,
			Logger:   logger.Named("tls"),
		})
		if err != nil {
			return fmt.Errorf("tls certificate: %w", err)
		}
		fingerprint = cert.Fingerprint
		started = srv.StartAsyncTLS(server.TLSConfig{CertPath: cert.CertPath, KeyPath: cert.KeyPath})
	}
	if err := <-started; err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	printBanner(stdout, srv.Addr(), cfg, editorToken.Path(), fingerprint)
	if ready != nil {
		ready(srv.Addr())
	}

	if cfg.MdnsEnabled {
		adv := newAdvertiser(srv.Addr(), fingerprint, cfg.RequireAuth, logger.Named("mdns"))
		if err := adv.Start(); err != nil {
			logger.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			defer adv.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchEnabled() {
		w, err := watch.New(watch.Options{
			Apps:      apps,
			Dirs:      scanner,
			Rescanner: reg,
			Logger:    logger.Named("watch"),
		})
		if err != nil {
			logger.Warn("storage watch unavailable, relying on periodic rescans", zap.Error(err))
		} else {
			w.Start(gctx)
			defer w.Stop()
			logger.Info("watching editor storage", zap.Int("directories", w.WatchedDirs()))
		}
	}

	g.Go(func() error {
		reg.RescanAll(gctx)
		return nil
	})
	g.Go(func() error {
		maintain(gctx, reg, apps, cfg.RescanInterval())
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

// maintain prunes stale instances and requests throttled rescans until ctx
// ends.
func maintain(ctx context.Context, reg *registry.Registry, apps []model.AppTarget, interval time.Duration) {
	if interval <= 0 {
		interval = registry.DefaultRescanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Prune()
			for _, app := range apps {
				reg.RequestGlobalRescan(app)
			}
		}
	}
}

func newAdvertiser(addr, fingerprint string, requireAuth bool, logger *zap.Logger) *mdns.Advertiser {
	_, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return mdns.NewAdvertiser(mdns.Config{
		Port:        port,
		Fingerprint: fingerprint,
		RequireAuth: requireAuth,
		Logger:      logger,
	})
}

func printBanner(w io.Writer, addr string, cfg *config.Config, tokenPath, fingerprint string) {
	scheme := "https"
	if cfg.DisableTLS {
		scheme = "http"
	}
	fmt.Fprintf(w, "chatremote %s listening on %s://%s\n", Version, scheme, addr)
	fmt.Fprintf(w, "Editor token: %s\n", tokenPath)
	if fingerprint != "" {
		fmt.Fprintf(w, "Fingerprint (SHA-256):\n  %s\n", fingerprint)
	}
	if cfg.RequireAuth {
		fmt.Fprintln(w, "Mobile clients need a token: run 'chatremote pair'.")
	} else {
		fmt.Fprintln(w, "Warning: authentication is off; anyone who can reach this address can read your sessions.")
	}
}
