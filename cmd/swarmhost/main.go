// swarmhost is the archive hosting server: peer-replicated archives served
// over virtual hosts, with per-user quotas and a JSON management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"github.com/swarmhost/swarmhost/internal/auth"
	"github.com/swarmhost/swarmhost/internal/config"
	"github.com/swarmhost/swarmhost/internal/gateway"
	"github.com/swarmhost/swarmhost/internal/host"
	"github.com/swarmhost/swarmhost/internal/keylock"
	"github.com/swarmhost/swarmhost/internal/store"
	"github.com/swarmhost/swarmhost/internal/swarm"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarmhost",
		Short: "Swarmhost - peer-replicated archive hosting",
		Long: `Swarmhost hosts content-addressed, peer-replicated archives and serves
them over HTTP virtual hosts.

QUICK START:

  # Generate an example configuration:
  swarmhost init

  # Edit swarmhost.yaml (set domain and session_secret), then:
  swarmhost serve -c swarmhost.yaml

Accounts and archives are managed through the JSON API under /api/v1 on
the platform domain. Archives are reachable as subdomains, e.g.
blog.alice.example.com under per-archive sites mode.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the archive hosting server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		RunE:  runInit,
	}
	initCmd.Flags().StringP("output", "o", "swarmhost.yaml", "output path")
	rootCmd.AddCommand(initCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("swarmhost %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	peerID, err := os.Hostname()
	if err != nil || peerID == "" {
		peerID = "swarmhost"
	}

	// The built-in tracker serves remote peers; announcing to an external
	// tracker is what makes this node itself visible in peer counts.
	var tracker *swarm.Tracker
	var trackerHandler http.Handler
	if cfg.Tracker.Enabled {
		tracker = swarm.NewTracker()
		trackerHandler = tracker.Handler()
	}
	var trackerClient *swarm.TrackerClient
	if cfg.Tracker.URL != "" {
		trackerClient = swarm.NewTrackerClient(cfg.Tracker.URL)
	}

	repl, err := swarm.NewDiskReplicator(filepath.Join(cfg.DataDir, "archives"), peerID, trackerClient)
	if err != nil {
		return err
	}

	metrics := host.InitMetrics(nil)
	locks := keylock.New()

	cache, err := host.NewArchiveCache(repl, st, locks, metrics, host.CacheOptions{
		MaxActive: cfg.MaxActiveArchives,
		Staleness: cfg.Staleness(),
		JoinOpts:  swarm.DefaultOptions(),
	})
	if err != nil {
		return err
	}

	mgr := host.NewManager(st, cache, locks, cfg.DefaultDiskUsageLimit.Bytes(), metrics)
	authSvc := auth.NewService(st, []byte(cfg.SessionSecret), 0)
	resolver := host.NewDomainResolver(st, host.SitesMode(cfg.SitesMode), cfg.Domain)

	gw := gateway.NewServer(st, mgr, cache, authSvc, resolver, gateway.Options{
		RegistrationOpen: cfg.RegistrationOpen,
		Tracker:          trackerHandler,
		Metrics:          promhttp.Handler(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	errCh := make(chan error, 2)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsSrv *http.Server
	if cfg.TLS.Enabled {
		certMgr := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: resolver.HostPolicy(),
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Email:      cfg.TLS.Email,
		}
		tlsSrv = &http.Server{
			Addr:              cfg.TLS.Listen,
			Handler:           gw,
			TLSConfig:         certMgr.TLSConfig(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		// The plain listener answers ACME challenges and redirects the rest.
		httpSrv.Handler = certMgr.HTTPHandler(nil)

		go func() {
			log.Info().Str("listen", cfg.TLS.Listen).Msg("https server started")
			if err := tlsSrv.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("domain", cfg.Domain).
			Str("sites_mode", cfg.SitesMode).
			Msg("swarmhost started")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if tlsSrv != nil {
		_ = tlsSrv.Shutdown(shutdownCtx)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	cache.Close(shutdownCtx)
	log.Info().Msg("swarmhost stopped")
	return nil
}

const exampleConfig = `# swarmhost server configuration
listen: ":8080"

# Platform apex domain. Archives are served as subdomains of this.
domain: swarmhost.example

data_dir: /var/lib/swarmhost

# per-archive: blog.alice.<domain>; per-user: alice.<domain>; disabled
sites_mode: per-archive

# Per-user disk quota unless overridden on the account. 0 = unlimited.
default_disk_usage_limit: 10GB

max_active_archives: 128
cache_staleness_seconds: 30

# Secret for signing session tokens. Generate with: openssl rand -hex 32
session_secret: ""

registration_open: true

tls:
  enabled: false
  # cache_dir: /var/lib/swarmhost/certs
  # email: ops@swarmhost.example

tracker:
  enabled: true
  # url: wss://tracker.swarmhost.example/tracker
`

func runInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("%s already exists", output)
	}
	if err := os.WriteFile(output, []byte(exampleConfig), 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", output)
	return nil
}
