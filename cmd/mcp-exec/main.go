package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/internal/logging"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/config"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpexec"
	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

func usage() {
	fmt.Println("Usage: mcp-exec <command> [--config PATH] [--json] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  test <backend>                     Connect, list tools and disconnect")
	fmt.Println("  tools <backend>                    Print the tools of a backend")
	fmt.Println("  call <backend> <tool> [json-args]  Run one tool and print its result")
}

type options struct {
	configPath string
	json       bool
	timeout    time.Duration
	args       []string
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configFlag := fs.String("config", "", "config file (defaults to $"+config.EnvPath+" or the XDG config dir)")
	jsonFlag := fs.Bool("json", false, "print machine-readable JSON")
	timeout := fs.Duration("timeout", 0, "override the call timeout")
	_ = fs.Parse(os.Args[2:])
	opts := options{
		configPath: config.ResolvePath(*configFlag),
		json:       *jsonFlag,
		timeout:    *timeout,
		args:       fs.Args(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "test":
		err = withEngine(ctx, opts, 1, runTest)
	case "tools":
		err = withEngine(ctx, opts, 1, runTools)
	case "call":
		err = withEngine(ctx, opts, 2, runCall)
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

type command func(ctx context.Context, e *mcpexec.Engine, backendID string, opts options) error

func withEngine(ctx context.Context, opts options, minArgs int, run command) error {
	if len(opts.args) < minArgs {
		usage()
		return fmt.Errorf("expected at least %d argument(s)", minArgs)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	source, closer, err := cfg.OpenSource()
	if err != nil {
		return err
	}
	defer closer.Close()

	desc, err := mcpmgr.FindByName(ctx, source, opts.args[0])
	if err != nil {
		return err
	}
	engine := mcpexec.New(source, &mcpexec.Options{Sessions: cfg.SessionOptions(logger), Logger: logger})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()
	return run(ctx, engine, desc.ID, opts)
}

func runTest(ctx context.Context, e *mcpexec.Engine, backendID string, opts options) error {
	report := e.Test(ctx, backendID)
	if opts.json {
		return printJSON(report)
	}
	if !report.Success {
		color.New(color.FgRed, color.Bold).Print("FAIL ")
		fmt.Printf("%s (%s) after %s\n", report.Backend.Name, report.Backend.Transport, report.Elapsed.Round(time.Millisecond))
		return report.Err
	}
	color.New(color.FgGreen, color.Bold).Print("OK ")
	fmt.Printf("%s (%s) in %s\n", report.Backend.Name, report.Backend.Transport, report.Elapsed.Round(time.Millisecond))
	if report.Server != nil {
		color.New(color.FgHiBlack).Printf("   server %s %s, protocol %s\n",
			report.Server.Name, report.Server.Version, report.Server.ProtocolVersion)
	}
	fmt.Printf("   %d tools\n", len(report.Tools))
	return nil
}

func runTools(ctx context.Context, e *mcpexec.Engine, backendID string, opts options) error {
	started, err := e.Start(ctx, backendID)
	if err != nil {
		return err
	}
	defer e.End(context.Background(), started.SessionID)
	if opts.json {
		return printJSON(started.Tools)
	}
	cyan := color.New(color.FgCyan)
	for _, t := range started.Tools {
		cyan.Printf("%-32s", t.Name)
		fmt.Printf(" %s\n", t.Description)
	}
	return nil
}

func runCall(ctx context.Context, e *mcpexec.Engine, backendID string, opts options) error {
	var args map[string]any
	if len(opts.args) > 2 {
		if err := json.Unmarshal([]byte(opts.args[2]), &args); err != nil {
			return fmt.Errorf("parsing arguments: %w", err)
		}
	}
	started, err := e.Start(ctx, backendID)
	if err != nil {
		return err
	}
	defer e.End(context.Background(), started.SessionID)

	var callOpts []mcpmgr.CallOption
	if opts.timeout > 0 {
		callOpts = append(callOpts, mcpmgr.WithCallTimeout(opts.timeout))
	}
	if !opts.json {
		gray := color.New(color.FgHiBlack)
		callOpts = append(callOpts, mcpmgr.WithProgress(func(u mcpmgr.ProgressUpdate) {
			gray.Fprintf(os.Stderr, "progress %v/%v %s\n", u.Progress, u.Total, u.Message)
		}))
	}
	res := e.Execute(ctx, started.SessionID, opts.args[1], args, callOpts...)
	if opts.json {
		return printJSON(res)
	}
	for _, c := range res.Content {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		var item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(data, &item) == nil && item.Type == "text" {
			fmt.Println(item.Text)
		} else {
			fmt.Println(string(data))
		}
	}
	if res.Err != nil {
		if kind := res.ErrorKind(); kind != "" {
			return fmt.Errorf("%s: %w", kind, res.Err)
		}
		return res.Err
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", opts.args[1])
	}
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "done in %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
