/*
ComfyVN Studio is a local-first orchestration server for visual novel authoring.
Copyright (C) 2026  ComfyVN Studio Contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"comfyvn/internal/api"
	"comfyvn/internal/budget"
	"comfyvn/internal/config"
	"comfyvn/internal/database"
	"comfyvn/internal/flags"
	"comfyvn/internal/hooks"
	"comfyvn/internal/logging"
	"comfyvn/internal/policy"
	"comfyvn/internal/providers"
	"comfyvn/internal/registry"
	"comfyvn/internal/scenario"
	"comfyvn/internal/scheduler"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// Exit codes: 0 ok, 2 usage, 3 feature disabled, 4 runtime failure.
const (
	exitOK       = 0
	exitUsage    = 2
	exitDisabled = 3
	exitRuntime  = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "doctor":
		return cmdDoctor(args[1:])
	case "assets":
		if len(args) < 2 || args[1] != "rebuild" {
			usage()
			return exitUsage
		}
		return cmdAssetsRebuild(args[2:])
	case "flags":
		return cmdFlags(args[1:])
	case "schedule":
		if len(args) < 2 || args[1] != "board" {
			usage()
			return exitUsage
		}
		return cmdScheduleBoard(args[2:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: studio <command> [flags]

Commands:
  serve            run the control plane
  doctor           check environment and server routes
  assets rebuild   re-hash an asset root and reconcile sidecars
  flags get [name] read feature flags
  flags set <name> <value>
                   set a feature flag (value is JSON, falling back to string)
  schedule board   print the scheduler board
`)
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (overrides STUDIO_LISTEN_ADDR)")
	dataDir := fs.String("data", "", "data directory (overrides STUDIO_DATA_DIR)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUsage
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPath)
	slog.SetDefault(logger)

	if err := serve(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

func serve(cfg config.Config) error {
	ctx := context.Background()
	for _, dir := range []string{cfg.DataDir, "config", filepath.Dir(cfg.LogPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := database.New(filepath.Join(cfg.DataDir, "studio.db"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	flagStore, err := flags.Open(filepath.Join("config", "flags.json"))
	if err != nil {
		return err
	}
	defer func() { _ = flagStore.Close() }()

	bus, err := hooks.Open(hooks.Options{
		HistorySize: cfg.HistorySize,
		QueueSize:   cfg.WSQueueSize,
		PersistPath: filepath.Join(cfg.DataDir, "hooks.ring.jsonl"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	webhooks, err := hooks.NewWebhookManager(ctx, bus, db, cfg.WebhookTimeout)
	if err != nil {
		return err
	}

	reg, err := registry.New(db, bus, cfg.DataDir, cfg.ThumbnailMaxDim)
	if err != nil {
		return err
	}
	defer reg.Close()

	enforcer := policy.New(db, bus)
	enforcer.RegisterScanner(policy.LicenseScanner{Denied: []string{"all-rights-reserved"}})
	enforcer.RegisterScanner(policy.NSFWMetaScanner{})
	enforcer.RegisterScanner(policy.PathTraversalScanner{Root: mustAbs(cfg.DataDir)})
	enforcer.RegisterGate("asset.import", policy.GateOverridable)
	enforcer.RegisterGate("asset.export", policy.GateOverridable)
	enforcer.RegisterGate("schedule.submit", policy.GateOverridable)

	bm := budget.New(budget.Config{
		CPUPctMax:           cfg.CPUPctMax,
		VRAMMBMax:           cfg.VRAMMBMax,
		ConcurrentLocalMax:  cfg.ConcurrentLocalMax,
		ConcurrentRemoteMax: cfg.ConcurrentRemoteMax,
		LazyEvictionEnabled: cfg.LazyEvictionEnabled || flagStore.GetBool("lazy_asset_eviction"),
	}, bus, reg)
	bm.Start(time.Second)
	defer bm.Stop()

	prov, err := providers.New(ctx, db, cfg.ProbeInterval)
	if err != nil {
		return err
	}
	prov.Start()
	defer prov.Stop()

	sched := scheduler.New(scheduler.Config{
		MaxAttempts:      cfg.MaxAttempts,
		RetryBackoffBase: cfg.RetryBackoffBase,
		CancelGrace:      30 * time.Second,
		LocalVRAMMax:     cfg.VRAMMBMax,
	}, db, bus, bm, enforcer, flagStore, prov)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logDir := filepath.Dir(cfg.LogPath)
	runner := scenario.New(bus, filepath.Join(logDir, "playtest"))

	srv := api.New(api.Options{
		Config:    cfg,
		Flags:     flagStore,
		Bus:       bus,
		Webhooks:  webhooks,
		Registry:  reg,
		Enforcer:  enforcer,
		Budget:    bm,
		Scheduler: sched,
		Scenarios: runner,
		Providers: prov,
		Version:   version,
		LogDir:    logDir,
	})
	defer srv.Close()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket endpoints hold the connection open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting control plane", "addr", cfg.ListenAddr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// client commands talk to a running server.

func serverURL(fs *flag.FlagSet) *string {
	return fs.String("server", "http://127.0.0.1:8723", "base URL of the running server")
}

func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	base := serverURL(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUsage
	}
	fmt.Printf("studio %s\n", version)
	fmt.Printf("data dir:  %s\n", cfg.DataDir)
	fmt.Printf("log path:  %s\n", cfg.LogPath)
	for _, path := range []string{cfg.DataDir, filepath.Join("config", "flags.json")} {
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("missing:   %s\n", path)
		} else {
			fmt.Printf("present:   %s\n", path)
		}
	}

	var status map[string]any
	if code := getJSON(*base+"/status", &status); code != exitOK {
		fmt.Println("server:    not reachable")
		return exitRuntime
	}
	fmt.Printf("server:    ok (version %v)\n", status["version"])
	if routes, ok := status["routes"].([]any); ok {
		fmt.Printf("routes:    %d registered\n", len(routes))
		for _, r := range routes {
			fmt.Printf("  %v\n", r)
		}
	}
	return exitOK
}

func cmdAssetsRebuild(args []string) int {
	fs := flag.NewFlagSet("assets rebuild", flag.ContinueOnError)
	base := serverURL(fs)
	enforce := fs.Bool("enforce-sidecars", false, "write sidecars for rows missing one")
	overwrite := fs.Bool("overwrite-sidecars", false, "rewrite every sidecar")
	fix := fs.Bool("fix-metadata", false, "register unindexed files")
	root := fs.String("root", "", "asset root to scan (defaults to the server's data/assets)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	body := map[string]any{
		"enforce_sidecars":   *enforce,
		"overwrite_sidecars": *overwrite,
		"fix_metadata":       *fix,
	}
	if *root != "" {
		body["root"] = *root
	}
	var summary map[string]any
	if code := postJSON(*base+"/api/assets/rebuild", body, &summary); code != exitOK {
		return code
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

func cmdFlags(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "get":
		fs := flag.NewFlagSet("flags get", flag.ContinueOnError)
		base := serverURL(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		var doc map[string]any
		if code := getJSON(*base+"/api/flags", &doc); code != exitOK {
			return code
		}
		if name := fs.Arg(0); name != "" {
			v, ok := doc[name]
			if !ok {
				fmt.Fprintf(os.Stderr, "unknown flag %q\n", name)
				return exitRuntime
			}
			printJSON(v)
			return exitOK
		}
		printJSON(doc)
		return exitOK
	case "set":
		fs := flag.NewFlagSet("flags set", flag.ContinueOnError)
		base := serverURL(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		name, raw := fs.Arg(0), fs.Arg(1)
		if name == "" || raw == "" {
			fmt.Fprintln(os.Stderr, "usage: studio flags set <name> <value>")
			return exitUsage
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		var resp map[string]any
		if code := postJSON(*base+"/api/flags/"+name, map[string]any{"value": value}, &resp); code != exitOK {
			return code
		}
		printJSON(resp)
		return exitOK
	default:
		usage()
		return exitUsage
	}
}

func cmdScheduleBoard(args []string) int {
	fs := flag.NewFlagSet("schedule board", flag.ContinueOnError)
	base := serverURL(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	var board map[string]any
	if code := getJSON(*base+"/api/schedule/board", &board); code != exitOK {
		return code
	}
	printJSON(board)
	return exitOK
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(url string, out any) int {
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitRuntime
	}
	return handleResponse(resp, out)
}

func postJSON(url string, body, out any) int {
	raw, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding request: %v\n", err)
		return exitRuntime
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitRuntime
	}
	return handleResponse(resp, out)
}

func handleResponse(resp *http.Response, out any) int {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading response: %v\n", err)
		return exitRuntime
	}
	if resp.StatusCode >= 400 {
		var wire struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &wire)
		fmt.Fprintf(os.Stderr, "%s: %s\n", wire.Error.Kind, wire.Error.Message)
		if wire.Error.Kind == "feature_disabled" {
			return exitDisabled
		}
		return exitRuntime
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fmt.Fprintf(os.Stderr, "decoding response: %v\n", err)
			return exitRuntime
		}
	}
	return exitOK
}
