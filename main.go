package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/api"
	"github.com/nshkrdotcom/codex-sdk-sub004/config"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
	"github.com/nshkrdotcom/codex-sdk-sub004/server"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		codexPath  string
		cwd        string
		host       string
		port       int
		configPath string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("codex-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&codexPath, "codex-path", "", "codex executable (default $CODEX_PATH or \"codex\")")
	flagSet.StringVar(&cwd, "cwd", "", "working directory for the app-server")
	flagSet.StringVar(&host, "host", "", "listen address (default $HOST or 127.0.0.1)")
	flagSet.IntVar(&port, "port", 0, "listen port (default $PORT or 12380)")
	flagSet.StringVar(&configPath, "config", os.Getenv("CODEX_BRIDGE_CONFIG"), "YAML config file, reloaded on change")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flags win over the environment and the config file
	if codexPath != "" {
		cfg.Codex.Path = codexPath
	}
	if cwd != "" {
		cfg.Codex.Cwd = cwd
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	config.Set(cfg)
	log.SetLevel(cfg.LogLevel)

	srv, err := server.New(server.NewConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Setup API routes
	api.SetupRoutes(srv.Router(), api.NewHandlers(srv))

	// Bind before anything else so a busy port fails fast
	if err := srv.Listen(); err != nil {
		shutdown(srv)
		return err
	}
	if cfg.Host == "0.0.0.0" {
		printNetworkAddresses(cfg.Port)
	}

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
		shutdown(srv)
		return err
	}

	shutdown(srv)
	log.Info().Msg("server stopped")
	return nil
}

// shutdown gives in-flight requests and the app-server time to finish
func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}

func printNetworkAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					log.Info().Str("url", fmt.Sprintf("http://%s:%d", ip4, port)).Msg("network")
				}
			}
		}
	}
}
