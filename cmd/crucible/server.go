package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/crucible/internal/api"
	"github.com/kalambet/crucible/internal/catalog"
	"github.com/kalambet/crucible/internal/config"
	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/intent"
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/pipeline"
	"github.com/kalambet/crucible/internal/prompt"
	"github.com/kalambet/crucible/internal/storage"
	"github.com/kalambet/crucible/internal/tools"
)

const (
	shutdownTimeout    = 5 * time.Second
	maxConnections     = 256
	pruneInterval      = time.Hour
	executionRetention = 30 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the crucible server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		serveMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(serveMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running crucible server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crucible system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "crucible.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newLogger builds the process logger. Unknown levels were rejected by
// config validation, so a parse failure keeps info.
func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "crucible version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("crucible is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("crucible is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model := cfg.Model()
	eng, err := engine.Detect(engine.DetectConfig{
		Backend:          cfg.LLM.Backend,
		Model:            model,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	classifierModel := model
	if cfg.Intent.LLMEnabled && cfg.LLM.Backend == config.BackendOllama {
		classifierModel = cfg.Ollama.FastModel
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, model, classifierModel); err != nil {
		return err
	}
	resilience := engine.DefaultResilienceConfig()
	resilience.Timeout = cfg.Resilience.Timeout
	resilience.ErrorPercentThresholdToOpen = cfg.Resilience.ErrorThreshold
	resilience.WaitDurationInOpenState = cfg.Resilience.OpenWait
	provider := engine.NewResilient(eng, resilience)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	router, err := newToolRouter(cfg.Tools, logger)
	if err != nil {
		return err
	}
	var describer prompt.Describer
	if router != nil {
		describer = router
	}
	builder, err := prompt.New(describer, logger)
	if err != nil {
		return fmt.Errorf("loading prompt templates: %w", err)
	}

	convs, err := conversation.NewManager(conversation.ManagerConfig{
		MaxConversations: cfg.Pipeline.MaxConversations,
		MaxMessages:      cfg.Pipeline.MaxMessages,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating conversation manager: %w", err)
	}

	var classifier intent.Classifier = intent.NewRuleClassifier()
	if cfg.Intent.LLMEnabled {
		classifier = intent.NewLLMClassifier(provider, builder, classifierModel, classifier, logger)
	}

	summary := metrics.NewAggregator(0)
	recorder := metrics.Fanout{
		summary,
		metrics.NewPrometheus(prometheus.DefaultRegisterer),
		store.Recorder(logger),
	}

	executor, err := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Provider:      provider,
		Router:        router,
		Builder:       builder,
		Registry:      pipeline.NewRegistry(store, logger),
		Conversations: convs,
		Classifier:    classifier,
		Recorder:      recorder,
		Logger:        logger,
		Defaults: pipeline.Config{
			MaxToolIterations: cfg.Pipeline.MaxToolIterations,
			MaxTokens:         cfg.LLM.MaxTokens,
			Temperature:       &cfg.LLM.Temperature,
		},
		Model: model,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	handler := api.NewHandler(api.Deps{
		Chat:              executor,
		Pipelines:         store,
		Summary:           summary,
		Executions:        store,
		Token:             apiToken,
		RequestsPerMinute: int64(cfg.RateLimit.RequestsPerMinute),
		Logger:            logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConnections)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "crucible listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if dir := cfg.Pipeline.DefinitionsDir; dir != "" {
		loader := catalog.NewLoader(dir, store, catalog.WithLogger(logger))
		g.Go(func() error {
			return loader.Watch(gctx, catalog.DefaultDebounce, func(res catalog.Result, err error) {
				if err == nil {
					logger.Info("pipeline catalog synced", "dir", dir,
						"loaded", len(res.Loaded), "archived", len(res.Archived), "invalid", len(res.Invalid))
				}
			})
		})
	}

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Chat: executor, Pipelines: store, Version: version})
		g.Go(func() error {
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		pruneExecutions(gctx, store, logger)
		return nil
	})

	return g.Wait()
}

// newToolRouter registers the workspace tools. It returns nil when no
// workspace is configured.
func newToolRouter(cfg config.ToolsConfig, logger *slog.Logger) (*tools.Router, error) {
	if cfg.WorkspaceDir == "" {
		return nil, nil
	}
	ws, err := tools.NewWorkspace(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("opening tool workspace: %w", err)
	}
	all := append(ws.Tools(), tools.NewCommandTool(cfg.WorkspaceDir, cfg.AllowedCommands, cfg.Timeout))
	return tools.NewRouter(all, tools.WithTimeout(cfg.Timeout), tools.WithLogger(logger)), nil
}

type executionPruner interface {
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

// pruneExecutions drops executions older than executionRetention, once at
// startup and then every pruneInterval, until ctx is done.
func pruneExecutions(ctx context.Context, p executionPruner, logger *slog.Logger) {
	prune := func() {
		n, err := p.PruneExecutions(ctx, time.Now().Add(-executionRetention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("pruning executions", "error", err)
		case n > 0:
			logger.Info("pruned executions", "count", n)
		}
	}
	prune()

	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("crucible is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop crucible (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to crucible (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := engine.Detect(engine.DetectConfig{
		Backend:          cfg.LLM.Backend,
		Model:            cfg.Model(),
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
	})
	if err != nil {
		printStatus("Backend", "%s (%v)", cfg.LLM.Backend, err)
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if eng.IsRunning(checkCtx) {
			printStatus("Backend", "%s reachable", cfg.LLM.Backend)
		} else {
			printStatus("Backend", "%s not reachable", cfg.LLM.Backend)
		}
		cancel()
	}
	printStatus("Model", "%s", cfg.Model())
	if cfg.Intent.LLMEnabled {
		printStatus("Intent model", "%s", cfg.Ollama.FastModel)
	}

	if token, err := config.GetAPIToken(config.NewKeychain()); err == nil && running {
		client.token = token
		var defs []pipeline.Definition
		if resp, err := client.get(ctx, "/v1/pipelines"); err == nil && decodeJSON(resp, &defs) == nil {
			active := 0
			for _, d := range defs {
				if d.Active() {
					active++
				}
			}
			printStatus("Pipelines", "%d (%d active)", len(defs), active)
		}
		var sum metrics.Summary
		if resp, err := client.get(ctx, "/v1/metrics/summary?window=1h"); err == nil && decodeJSON(resp, &sum) == nil {
			printStatus("Runs (1h)", "%d, %.0f%% ok", sum.Count, sum.SuccessRate*100)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if cfg.Pipeline.DefinitionsDir != "" {
		printStatus("Definitions", "%s", cfg.Pipeline.DefinitionsDir)
	}
	return nil
}
