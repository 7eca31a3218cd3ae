// Command echo-pool serves the framed echo protocol from a fixed-size
// worker pool: accept loop hands each connection to a pool of goroutines
// via Submit, bounding concurrency instead of spawning unboundedly. The Go
// translation of the reference implementation's threadpool-server.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jroosing/frameecho/internal/adminapi"
	"github.com/jroosing/frameecho/internal/blocking"
	"github.com/jroosing/frameecho/internal/config"
	"github.com/jroosing/frameecho/internal/logging"
	"github.com/jroosing/frameecho/internal/netutil"
	"github.com/jroosing/frameecho/internal/workerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	host       string
	port       int
	workers    int
	adminAddr  string
	jsonLogs   bool
	debug      bool
}

// parseFlags parses named flags, then falls back to the reference
// implementation's positional "echo-pool [port [num_threads]]" invocation
// for whatever wasn't supplied as a named flag.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override server.host (the listener binds 0.0.0.0 regardless)")
	flag.IntVar(&f.port, "port", 0, "Override bind port")
	flag.IntVar(&f.workers, "workers", -1, "Worker pool size (-1 means config/auto)")
	flag.StringVar(&f.adminAddr, "admin-addr", "", "Bind address for the optional status API, e.g. 127.0.0.1:8080 (empty disables)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()
	if f.port == 0 && len(args) >= 1 {
		if p, err := parsePositiveInt(args[0]); err == nil {
			f.port = p
		}
	}
	if f.workers < 0 && len(args) >= 2 {
		if n, err := parsePositiveInt(args[1]); err == nil {
			f.workers = n
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
	if f.workers >= 0 {
		cfg.Server.Workers = config.WorkerSetting{Mode: config.WorkersFixed, Value: f.workers}
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

func resolveWorkerCount(w config.WorkerSetting) int {
	if w.Mode == config.WorkersFixed && w.Value > 0 {
		return w.Value
	}
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 5
}

// poolStatsSource adapts a *workerpool.Pool and a live connection counter to
// adminapi.StatsSource.
type poolStatsSource struct {
	pool   *workerpool.Pool
	active *atomic.Int64
}

func (s poolStatsSource) ActiveConnections() int { return int(s.active.Load()) }
func (s poolStatsSource) Pool() (adminapi.PoolStats, bool) {
	return adminapi.PoolStats{
		AliveCount:   s.pool.AliveCount(),
		WorkingCount: s.pool.WorkingCount(),
		QueueLen:     s.pool.QueueLen(),
	}, true
}

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

	numWorkers := resolveWorkerCount(cfg.Server.Workers)
	logger.Info("echo-pool starting", "port", cfg.Server.Port, "workers", numWorkers, "reuse_port", cfg.Server.ReusePort)

	pool := workerpool.New(numWorkers)
	pool.DestroyTimeout = time.Duration(cfg.Server.DestroyTimeoutMS) * time.Millisecond

	var active atomic.Int64

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var apiSrv *http.Server
	if cfg.API.Enabled {
		h := adminapi.New(poolStatsSource{pool: pool, active: &active}, cfg.API.APIKey)
		engine := adminapi.NewEngine(h)
		apiSrv = &http.Server{Addr: net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port)), Handler: engine}
		logger.Info("status API starting", "addr", apiSrv.Addr)
		go func() {
			if serveErr := apiSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("status API error", "err", serveErr)
			}
		}()
	}

	var listenFD int
	if cfg.Server.ReusePort {
		listenFD, err = netutil.ListenTCPReusePort(cfg.Server.Port, cfg.Server.Backlog)
	} else {
		listenFD, err = netutil.ListenTCP(cfg.Server.Port, cfg.Server.Backlog)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln, err := netutil.ToListener(listenFD, "echo-pool-listener")
	if err != nil {
		return fmt.Errorf("adopt listener: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	acceptErr := acceptLoop(ctx, ln, pool, cfg.Server.SendBufCap, logger, &active)

	logger.Info("echo-pool stopping, draining worker pool")
	pool.WaitIdle()
	pool.Destroy()

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("status API stopped")
	}

	if acceptErr != nil {
		return fmt.Errorf("server exited with error: %w", acceptErr)
	}
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, pool *workerpool.Pool, sendBufCap int, logger *slog.Logger, active *atomic.Int64) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		connID := logging.NewConnID()
		connLogger := logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
		connLogger.Info("peer connected")
		active.Add(1)

		pool.Submit(func(arg any) {
			c := arg.(net.Conn)
			defer active.Add(-1)
			blocking.Handle(c, sendBufCap, connLogger)
			connLogger.Info("peer done")
		}, conn)
	}
}
