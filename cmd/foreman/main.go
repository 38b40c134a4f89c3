// Foreman is the chat assistant for a project management app.
//
// It routes each chat message either into a guided creation workflow
// or to a model that may call repository tools, and exposes the result
// over HTTP, MCP stdio and a one-shot CLI. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, everything runs in memory.
//
// Usage:
//
//	foreman serve              Start the API server
//	foreman init [dir]         Write an example config and data directory
//	foreman mcp                Serve the tool registry over MCP stdio
//	foreman ask <message>      Run one chat turn and print the reply
//	foreman version            Print version and build information
//	foreman -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/foreman/internal/api"
	"github.com/nugget/foreman/internal/buildinfo"
	"github.com/nugget/foreman/internal/chat"
	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so tests can
// call run concurrently without the flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var userID string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "mcp":
		// stdout carries the protocol; logs go to stderr.
		return runMCP(ctx, os.Stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: foreman ask <message>")
		}
		return runAsk(ctx, stdout, configPath, userID, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Foreman - project management chat assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: foreman [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  mcp            Serve the tool registry over MCP stdio")
	fmt.Fprintln(w, "  ask <message>  Run one chat turn and print the reply")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -user <id>        User id for ask (default: mcp.user_id)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds, parses and validates the configuration. With no
// explicit path and no file in the search paths, the in-memory defaults
// are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case explicit != "":
		return nil, "", err
	default:
		cfg, cfgPath = config.Default(), ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// setup loads config and builds the logger for a subcommand.
func setup(w io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	if cfgPath == "" {
		logger.Info("no config file found, using in-memory defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	return cfg, logger, nil
}

// runServe starts the HTTP API and, when configured, the MQTT event
// forwarder. SIGINT or SIGTERM drains the server, disconnects the
// forwarder and closes the database.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting foreman", "version", buildinfo.Version, "commit", buildinfo.Commit(), "built", buildinfo.Built())

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	health := a.watchHealth(ctx)
	defer health.Stop()

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt client id: %w", err)
		}
		forwarder = mqtt.New(cfg.MQTT, clientID, a.bus, logger.With("component", "mqtt"))
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:            a.chat,
		Router:          a.router,
		Tools:           a.registry,
		Store:           a.repo,
		Bus:             a.bus,
		Usage:           a.usage,
		Health:          health,
		Tokens:          cfg.Auth.Tokens,
		ModelConfigured: cfg.ModelConfigured(),
	}, logger)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		if forwarder != nil {
			if err := forwarder.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}

	logger.Info("foreman stopped")
	return nil
}

// runMCP serves the tool registry over stdio. Tool calls run as
// mcp.user_id.
func runMCP(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("serving MCP over stdio", "user_id", cfg.MCP.UserID, "tools", len(a.registry.List()))
	stdio := server.NewStdioServer(a.registry.MCPServer(buildinfo.Version, cfg.MCP.UserID))
	if err := stdio.Listen(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

// runAsk runs a single buffered chat turn. Useful for smoke tests
// without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath, userID, message string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if userID == "" {
		userID = cfg.MCP.UserID
	}
	reply, err := a.chat.Handle(ctx, chat.Request{
		UserID:   userID,
		Messages: []llm.Message{{Role: "user", Content: message}},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Message)
	return nil
}
