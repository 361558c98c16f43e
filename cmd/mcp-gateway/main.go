package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/internal/logging"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/config"
	mcpgateway "github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcp-gateway"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

// version is set at build time.
var version = "dev"

func usage() {
	fmt.Println("Usage: mcp-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Serve every configured backend behind one Streamable HTTP endpoint")
	fmt.Println("  list     List configured backends without connecting to them")
	fmt.Println("  health   Query a running gateway's /healthz endpoint")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configFlag := fs.String("config", "", "config file (defaults to $"+config.EnvPath+" or the XDG config dir)")
	_ = fs.Parse(os.Args[2:])
	configPath := config.ResolvePath(*configFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, configPath)
	case "list":
		err = runList(ctx, configPath)
	case "health":
		err = runHealth(ctx, configPath)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	source, closer, err := cfg.OpenSource()
	if err != nil {
		return err
	}
	defer closer.Close()

	registry := mcpmgr.NewRegistry(source, cfg.SessionOptions(logger))
	gateway, err := mcpgateway.NewGateway(registry, cfg.GatewayOptions(logger, version))
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return fmt.Errorf("creating gateway: %w", err)
	}

	backends, err := gateway.Router().ListAvailable(ctx)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Endpoint:  http://%s%s\n", displayAddr(cfg.Gateway.Addr), cfg.Gateway.Path)
	green.Print("    ▶ ")
	fmt.Printf("Backends:  %d", len(backends))
	if rejected := gateway.Router().Rejected(); len(rejected) > 0 {
		color.New(color.FgYellow).Printf(" (%d rejected)", len(rejected))
	}
	fmt.Println()
	gray.Printf("    version: %s\n\n", version)

	logger.Info("starting mcp-gateway", "config", configPath, "addr", cfg.Gateway.Addr, "backends", len(backends))
	serveErr := gateway.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("closing backend sessions", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logger.Info("mcp-gateway stopped")
	return nil
}

func runList(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stderr, "error", cfg.Logging.Format)
	source, closer, err := cfg.OpenSource()
	if err != nil {
		return err
	}
	defer closer.Close()

	registry := mcpmgr.NewRegistry(source, &mcpmgr.Options{Logger: logger})
	defer registry.Shutdown(context.Background())
	router := mcpgateway.NewRouter(registry, nil, logger, 0)
	backends, err := router.ListAvailable(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, b := range backends {
		cyan.Printf("%-24s", b.Name)
		gray.Printf(" %-6s id=%s", b.Transport, b.ID)
		if b.Description != "" {
			fmt.Printf("  %s", b.Description)
		}
		fmt.Println()
	}
	yellow := color.New(color.FgYellow)
	for _, r := range router.Rejected() {
		yellow.Printf("%-24s", r.Name)
		fmt.Printf(" rejected: %s\n", r.Reason)
	}
	return nil
}

type healthReport struct {
	Status   string                 `json:"status"`
	Sessions []mcpmgr.SessionInfo   `json:"sessions"`
	Rejected []mcpgateway.Rejection `json:"rejected"`
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", displayAddr(cfg.Gateway.Addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decoding health report: %w", err)
	}
	color.New(color.FgGreen).Println(report.Status)
	for _, s := range report.Sessions {
		stateColor := color.New(color.FgGreen)
		if s.State != mcpmgr.StateReady {
			stateColor = color.New(color.FgYellow)
		}
		fmt.Printf("  %-24s ", s.Name)
		stateColor.Printf("%-12s", s.State)
		fmt.Printf(" tools=%d refs=%d restarts=%d\n", s.ToolCount, s.Refs, s.Restarts)
	}
	return nil
}

// displayAddr turns a listen address into one a client can dial.
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strings.TrimSpace(port))
}
