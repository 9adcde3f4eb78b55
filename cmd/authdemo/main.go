// Command authdemo is a small HTTP host that wires plugauth to a storage
// backend and exposes the password, OAuth and passkey flows as JSON
// endpoints.
//
//	authdemo -config authdemo.yaml -addr :8080
//
// Configuration comes from the YAML file, a .env file and PLUGAUTH_*
// environment variables, see plugauth.LoadConfig.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/oauth2"
	"github.com/panyam/plugauth/passkey"
	"github.com/panyam/plugauth/password"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		slog.Error("authdemo failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := plugauth.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closer, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	auth, err := newAuth(ctx, cfg, storage, log, plugauth.NewMetrics("plugauth", reg))
	if err != nil {
		return err
	}
	auth.StartSweeper(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(auth, reg, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "methods", auth.Plugins.Names())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newAuth registers password always, one OAuth plugin per configured
// provider, and passkeys when a relying party is configured
func newAuth(ctx context.Context, cfg *plugauth.Config, storage *plugauth.Storage, log *slog.Logger, metrics *plugauth.Metrics) (*plugauth.Auth, error) {
	auth, err := plugauth.New(cfg, storage, plugauth.WithLogger(log), plugauth.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	plugins := []plugauth.Plugin{password.New(cfg.Password)}
	for _, pc := range cfg.OAuth {
		p, err := oauth2.NewFromConfig(pc)
		if err != nil {
			return nil, fmt.Errorf("oauth provider %s: %w", pc.Name, err)
		}
		plugins = append(plugins, p)
	}
	if cfg.Passkey.Enabled() {
		plugins = append(plugins, passkey.New(cfg.Passkey))
	}
	if err := auth.Register(plugins...); err != nil {
		return nil, err
	}
	if err := auth.Start(ctx); err != nil {
		return nil, err
	}
	return auth, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
