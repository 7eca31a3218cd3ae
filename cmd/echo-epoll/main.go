//go:build linux

// Command echo-epoll serves the framed echo protocol from a single
// goroutine driving a Linux epoll(7) readiness loop over raw non-blocking
// file descriptors. The Go translation of the reference implementation's
// epoll-server.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/frameecho/internal/adminapi"
	"github.com/jroosing/frameecho/internal/config"
	"github.com/jroosing/frameecho/internal/logging"
	"github.com/jroosing/frameecho/internal/netutil"
	"github.com/jroosing/frameecho/internal/peer"
	"github.com/jroosing/frameecho/internal/ratelimit"
	"github.com/jroosing/frameecho/internal/readiness/epollloop"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath    string
	host          string
	port          int
	maxFDs        int
	edgeTriggered bool
	adminAddr     string
	jsonLogs      bool
	debug         bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override server.host (the listener binds 0.0.0.0 regardless)")
	flag.IntVar(&f.port, "port", 0, "Override bind port")
	flag.IntVar(&f.maxFDs, "max-fds", 0, "Override the tracked-connection bound")
	flag.BoolVar(&f.edgeTriggered, "edge-triggered", false, "Use EPOLLET edge-triggered semantics instead of level-triggered")
	flag.StringVar(&f.adminAddr, "admin-addr", "", "Bind address for the optional status API, e.g. 127.0.0.1:8080 (empty disables)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if f.port == 0 {
		if args := flag.Args(); len(args) >= 1 {
			if p, err := parsePositiveInt(args[0]); err == nil {
				f.port = p
			}
		}
	}
	return f
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid positive integer %q", s)
	}
	return n, nil
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.maxFDs > 0 {
		cfg.Server.MaxFDs = f.maxFDs
	}
	if f.adminAddr != "" {
		cfg.API.Enabled = true
		host, port, err := net.SplitHostPort(f.adminAddr)
		if err == nil {
			cfg.API.Host = host
			if p, perr := parsePositiveInt(port); perr == nil {
				cfg.API.Port = p
			}
		}
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

// tableStatsSource adapts a *peer.Table to adminapi.StatsSource. The select
// and epoll variants have no worker pool, so Pool reports ok=false.
type tableStatsSource struct {
	table *peer.Table
}

func (s tableStatsSource) ActiveConnections() int { return s.table.ActiveCount() }
func (s tableStatsSource) Pool() (adminapi.PoolStats, bool) { return adminapi.PoolStats{}, false }

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("echo-epoll starting", "port", cfg.Server.Port, "max_fds", cfg.Server.MaxFDs, "edge_triggered", flags.edgeTriggered)
	logger.Info("admission control", "limits", ratelimit.Summary(cfg.RateLimit))

	table := peer.NewTable(cfg.Server.MaxFDs, cfg.Server.SendBufCap, logger)
	limiter := ratelimit.NewFromConfig(cfg.RateLimit)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var apiSrv *http.Server
	if cfg.API.Enabled {
		h := adminapi.New(tableStatsSource{table: table}, cfg.API.APIKey)
		engine := adminapi.NewEngine(h)
		apiSrv = &http.Server{Addr: net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port)), Handler: engine}
		logger.Info("status API starting", "addr", apiSrv.Addr)
		go func() {
			if serveErr := apiSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("status API error", "err", serveErr)
			}
		}()
	}

	listenFD, err := netutil.ListenTCP(cfg.Server.Port, cfg.Server.Backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := netutil.SetNonblocking(listenFD); err != nil {
		return fmt.Errorf("set listener non-blocking: %w", err)
	}
	defer unix.Close(listenFD)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	loopErr := epollloop.Loop(epollloop.Options{
		ListenerFD:    listenFD,
		Callbacks:     table,
		Limiter:       limiter,
		Logger:        logger,
		EdgeTriggered: flags.edgeTriggered,
		Done:          done,
	})

	logger.Info("echo-epoll stopping")

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("status API stopped")
	}

	if loopErr != nil {
		return fmt.Errorf("server exited with error: %w", loopErr)
	}
	return nil
}
