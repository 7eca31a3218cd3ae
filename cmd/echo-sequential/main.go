// Command echo-sequential serves the framed echo protocol one connection at
// a time: accept, serve to completion, accept again. The Go translation of
// the reference implementation's sequential-server.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jroosing/frameecho/internal/blocking"
	"github.com/jroosing/frameecho/internal/config"
	"github.com/jroosing/frameecho/internal/logging"
	"github.com/jroosing/frameecho/internal/netutil"
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
	jsonLogs   bool
	debug      bool
}

// parseFlags parses named flags, then falls back to the reference
// implementation's positional "echo-sequential [port]" invocation for
// whichever of argv[1] wasn't consumed as a flag.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override server.host (the listener binds 0.0.0.0 regardless)")
	flag.IntVar(&f.port, "port", 0, "Override bind port")
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
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
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
	logger.Info("echo-sequential starting", "port", cfg.Server.Port, "backlog", cfg.Server.Backlog)

	fd, err := netutil.ListenTCP(cfg.Server.Port, cfg.Server.Backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln, err := netutil.ToListener(fd, "echo-sequential-listener")
	if err != nil {
		return fmt.Errorf("adopt listener: %w", err)
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("echo-sequential stopping")
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		connID := logging.NewConnID()
		connLogger := logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
		connLogger.Info("peer connected")
		blocking.Handle(conn, cfg.Server.SendBufCap, connLogger)
		connLogger.Info("peer done")
	}
}
