package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otwatch"
	"otwatch/config"
	"otwatch/models"
)

// Exit codes: 0 healthy shutdown, 1 fatal configuration error,
// 2 fatal runtime error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	subcommand := "run"
	if len(args) > 0 && args[0][0] != '-' {
		subcommand = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("otwatch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML configuration (environment overrides apply)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	switch subcommand {
	case "version":
		fmt.Printf("otwatch %s\n", version)
		return exitOK
	case "checkconfig":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return exitConfig
		}
		fmt.Println("configuration ok")
		return exitOK
	case "run":
		return runEngine(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want run, version, or checkconfig)\n", subcommand)
		return exitConfig
	}
}

func runEngine(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := otwatch.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine construction failed: %v\n", err)
		if isConfigError(err) {
			return exitConfig
		}
		return exitRuntime
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "engine start failed: %v\n", err)
		_ = eng.Stop()
		return exitRuntime
	}

	serveMetrics(ctx, cfg, eng)
	serveHealth(ctx, cfg, eng)

	if cfg.App.Env != "production" && configPath != "" {
		go func() {
			_ = config.Watch(ctx, configPath, func(next config.Config) {
				// Hot reload currently revalidates only; applying live
				// changes requires a restart.
				fmt.Fprintln(os.Stderr, "configuration file changed; restart to apply")
			})
		}()
	}

	err = eng.Run(ctx)
	if stopErr := eng.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "runtime failure: %v\n", err)
		return exitRuntime
	}
	return exitOK
}

func serveMetrics(ctx context.Context, cfg config.Config, eng *otwatch.Engine) {
	addr := cfg.Telemetry.MetricsAddr
	handler := eng.MetricsHandler()
	if addr == "" || handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() { _ = srv.ListenAndServe() }()
}

func serveHealth(ctx context.Context, cfg config.Config, eng *otwatch.Engine) {
	addr := cfg.Telemetry.HealthAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := eng.HealthSnapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Snapshot())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() { _ = srv.ListenAndServe() }()
}

func isConfigError(err error) bool {
	return models.Fatal(err)
}
