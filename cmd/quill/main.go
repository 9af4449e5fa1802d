// Quill is a tool-augmented agent service.
//
// It answers natural-language queries by letting a language model call
// a registry of deterministic tools over several round-trips, and serves
// that loop, direct tool execution, and a small item catalog over HTTP.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, defaults
// and environment variables are used.
//
// Usage:
//
//	quill serve                   Start the API server
//	quill init [dir]              Write a starter config.yaml and .env.example
//	quill ask <question>          Run one agent query and print the answer
//	quill tool <name> [json]      Execute one tool directly
//	quill tools                   List the registered tools
//	quill mcp                     Serve the tool registry over MCP on stdio
//	quill version                 Print version and build information
//	quill -o json <command>       Machine-readable output
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/quill-agent/internal/agent"
	"github.com/nugget/quill-agent/internal/api"
	"github.com/nugget/quill-agent/internal/buildinfo"
	"github.com/nugget/quill-agent/internal/categorize"
	"github.com/nugget/quill-agent/internal/config"
	"github.com/nugget/quill-agent/internal/connwatch"
	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/items"
	"github.com/nugget/quill-agent/internal/llm"
	"github.com/nugget/quill-agent/internal/mcp"
	"github.com/nugget/quill-agent/internal/tools"
	"github.com/nugget/quill-agent/internal/usage"
)

// main only builds the OS environment and hands off to [run], so the
// whole command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the quill command. ctx bounds the
// process lifetime; cancelling it shuts servers down gracefully. Logs go
// to stderr so stdout carries only command output (and MCP traffic for
// the mcp command). Arguments are parsed by hand to keep run free of
// package-level flag state.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runServe(ctx, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: quill ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "tool":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: quill tool <name> [json-args]")
		}
		rawArgs := ""
		if len(cmdArgs) == 2 {
			rawArgs = cmdArgs[1]
		}
		return runTool(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], rawArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "mcp":
		return runMCP(ctx, stdin, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Quill - tool-augmented agent service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: quill [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  init [dir]         Write starter config files (default: .)")
	fmt.Fprintln(w, "  ask <question>     Run one agent query")
	fmt.Fprintln(w, "  tool <name> [json] Execute one tool directly")
	fmt.Fprintln(w, "  tools              List registered tools")
	fmt.Fprintln(w, "  mcp                Serve the tool registry over MCP (stdio)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs a single agent query and prints the final response.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	if !cfg.InferenceConfigured() {
		return fmt.Errorf("no inference provider configured for model %s", cfg.Models.Default)
	}

	registry, sessions, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	rec, closeUsage, err := openUsage(cfg, logger)
	if err != nil {
		return err
	}
	defer closeUsage()

	orch := newOrchestrator(cfg, createLLMClient(cfg, logger), registry, rec, nil, logger)

	res, err := orch.Run(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	fmt.Fprintln(stdout, res.FinalResponse)
	return nil
}

// runTool executes one registry tool with JSON-object arguments.
func runTool(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, name, rawArgs string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	registry, sessions, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	result, err := registry.Run(ctx, name, args)
	if err != nil {
		var te *tools.ToolError
		if errors.As(err, &te) && te.Kind == tools.KindLookup {
			return fmt.Errorf("%w (available: %s)", err, strings.Join(te.Available, ", "))
		}
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]string{"tool": name, "result": result})
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runTools lists the registered tools.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	registry, sessions, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	list := registry.List()
	if outputFmt == "json" {
		return writeJSON(stdout, list)
	}
	for _, t := range list {
		fmt.Fprintf(stdout, "%-24s %s\n", t.Name, t.Description)
	}
	return nil
}

// runMCP serves the tool registry to an MCP client over stdin/stdout.
func runMCP(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, sessions, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	srv, err := mcp.NewServer("quill", buildinfo.Version, registry, logger)
	if err != nil {
		return err
	}
	if err := srv.Serve(ctx, stdin, stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// runServe starts the HTTP API and blocks until ctx is cancelled or a
// termination signal arrives.
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Quill", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	// --- Data directory ---
	// SQLite databases for usage and (optionally) items live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Usage ledger ---
	rec, closeUsage, err := openUsage(cfg, logger)
	if err != nil {
		return err
	}
	defer closeUsage()

	// --- Item catalog ---
	var store items.Store
	switch cfg.Items.Backend {
	case "sqlite":
		dbPath := filepath.Join(cfg.DataDir, "items.db")
		sqlStore, err := items.NewSQLiteStore(dbPath)
		if err != nil {
			return fmt.Errorf("open item database %s: %w", dbPath, err)
		}
		defer sqlStore.Close()
		store = sqlStore
		logger.Info("item database opened", "path", dbPath)
	default:
		store = items.NewMemoryStore()
	}

	// --- Tools ---
	registry, sessions, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, store, registry, logger)
	server.SetEventBus(bus)
	server.SetAllowedOrigins(cfg.CORS.AllowedOrigins)
	if rec != nil {
		server.SetUsage(rec)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Dependency health ---
	watch := connwatch.NewManager(logger, connwatch.WithEventBus(bus))
	// Watchers must exit before the MCP sessions they probe close.
	defer func() {
		cancel()
		watch.Wait()
	}()
	server.SetHealth(watch)
	for name, session := range sessions {
		watch.Watch(ctx, "mcp:"+name, func(pctx context.Context) error {
			return session.Ping(pctx, nil)
		})
	}

	// --- Inference ---
	// Without credentials the server still runs; the agent and
	// categorize endpoints answer 503.
	if cfg.InferenceConfigured() {
		client := createLLMClient(cfg, logger)
		server.SetRunner(newOrchestrator(cfg, client, registry, rec, bus, logger))
		server.SetCategorizer(categorize.New(client, cfg.Models.Default, recorderOrNil(rec), bus, logger))
		watch.Watch(ctx, "inference", func(pctx context.Context) error {
			return client.PingModel(pctx, cfg.Models.Default)
		})
	} else {
		logger.Warn("inference provider not configured, agent endpoints disabled",
			"model", cfg.Models.Default,
			"provider", cfg.ProviderFor(cfg.Models.Default),
		)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Quill stopped")
	return nil
}

// setup loads configuration and builds the configured logger. A missing
// config file is not an error: defaults and environment variables apply.
func setup(w io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(w, level, cfg.LogFormat)

	if cfgPath == "" {
		logger.Debug("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}
	return cfg, logger, nil
}

// newLogger creates a structured logger that writes to w at the given
// level. Format "json" selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig finds, loads, and validates the configuration. When no
// explicit path is given and no file exists, it returns the defaults
// with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		if err := config.LoadDotEnv(".env"); err != nil {
			return nil, "", err
		}
		cfg := config.Default()
		return cfg, "", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createLLMClient builds a client that routes each model name to its
// provider. Ollama is the fallback for unmapped models.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	opts := llm.Options{Temperature: cfg.Models.Temperature}

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, opts, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider(config.ProviderOllama, ollamaClient)

	if cfg.Gemini.Configured() {
		multi.AddProvider(config.ProviderGemini, llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, opts, logger))
		logger.Debug("Gemini provider configured")
	}
	if cfg.Anthropic.Configured() {
		multi.AddProvider(config.ProviderAnthropic, llm.NewAnthropicClient(cfg.Anthropic.APIKey, opts, logger))
		logger.Debug("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	// The default model may only be known by its name prefix.
	multi.AddModel(cfg.Models.Default, cfg.ProviderFor(cfg.Models.Default))

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

// bridged holds the MCP sessions behind bridged tools, keyed by server name.
type bridged map[string]*mcpsdk.ClientSession

// Close ends every session.
func (b bridged) Close() {
	for _, s := range b {
		_ = s.Close()
	}
}

// buildRegistry registers the built-in tools and bridges the tools of
// every configured MCP server. Servers that fail to start are logged and
// skipped.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Registry, bridged, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinOptions{}); err != nil {
		return nil, nil, fmt.Errorf("register built-in tools: %w", err)
	}

	sessions := bridged{}
	for _, srv := range cfg.MCP.Servers {
		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		session, err := mcp.Connect(connectCtx, srv)
		if err != nil {
			connectCancel()
			logger.Error("MCP server initialization failed", "server", srv.Name, "error", err)
			continue
		}

		count, err := mcp.BridgeTools(connectCtx, session, srv.Name, registry, srv.Include, srv.Exclude, logger)
		connectCancel()
		if err != nil {
			logger.Error("MCP tool bridge failed", "server", srv.Name, "error", err)
			_ = session.Close()
			continue
		}

		sessions[srv.Name] = session
		logger.Info("MCP server connected", "server", srv.Name, "tools", count)
	}

	return registry, sessions, nil
}

// openUsage opens the usage ledger when enabled. Both return values are
// nil-safe to use: a nil store disables recording.
func openUsage(cfg *config.Config, logger *slog.Logger) (*usage.Store, func(), error) {
	if !cfg.Usage.Enabled {
		return nil, func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "usage.db")
	store, err := usage.NewStore(dbPath, cfg.Usage.Pricing)
	if err != nil {
		return nil, nil, fmt.Errorf("open usage database %s: %w", dbPath, err)
	}
	logger.Debug("usage database opened", "path", dbPath)
	return store, func() { _ = store.Close() }, nil
}

// recorderOrNil keeps a nil *usage.Store from becoming a non-nil
// interface value.
func recorderOrNil(s *usage.Store) agent.UsageRecorder {
	if s == nil {
		return nil
	}
	return s
}

// newOrchestrator assembles the agent loop: inference against the
// default model, the tool executor, and the iteration cap.
func newOrchestrator(cfg *config.Config, client llm.Client, registry *tools.Registry, rec *usage.Store, bus *events.Bus, logger *slog.Logger) *agent.Orchestrator {
	inf := agent.NewLLMInference(client, cfg.Models.Default, registry, logger,
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithInferenceTimeout(cfg.Agent.InferenceTimeout()),
		agent.WithUsageRecorder(recorderOrNil(rec)),
		agent.WithInferenceEvents(bus),
	)
	exec := tools.NewExecutor(registry, logger,
		tools.WithToolTimeout(cfg.Agent.ToolTimeout()),
		tools.WithSequential(cfg.Agent.SequentialTools),
		tools.WithEventBus(bus),
	)
	return agent.NewOrchestrator(inf, exec, logger,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithEventBus(bus),
	)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
