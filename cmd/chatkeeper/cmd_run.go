package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"chatkeeper/internal/agent"
	"chatkeeper/internal/browser"
	"chatkeeper/internal/config"
	"chatkeeper/internal/logging"
	"chatkeeper/internal/mangle"
	"chatkeeper/internal/mcp"
	"chatkeeper/internal/recorder"
	"chatkeeper/internal/rules"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ssePort   int
	enableMCP bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to the browser and start the agent",
	Long: `Connects to (or launches) Chrome, selects the chat page and starts the check loop.
With the control surface enabled, the agent can be inspected, stopped and restarted over MCP.
Interrupt the process to stop.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve the MCP control surface over SSE on this port (implies --mcp)")
	runCmd.Flags().BoolVar(&enableMCP, "mcp", false, "Serve the MCP control surface (stdio unless --sse-port is set)")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, wsDir, err := loadConfig()
	if err != nil {
		return err
	}
	if enableMCP {
		cfg.MCP.Enable = true
	}
	if ssePort != 0 {
		cfg.MCP.Enable = true
		cfg.MCP.SSEPort = ssePort
	}

	sink, err := logging.NewZapSink(logging.Options{
		Name:  cfg.Server.Name,
		Level: cfg.Server.LogLevel,
		File:  cfg.Server.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sink.Sync() }()
	logger := sink.Logger()
	if wsDir != "" {
		logger.Info("using workspace", zap.String("dir", wsDir))
	}

	table, err := rules.Compile(cfg.Agent)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}
	for _, pair := range table.Errors.OverlappingScenarios() {
		logger.Warn("error scenario shadows a later one",
			zap.String("scenario", pair[0]), zap.String("contains", pair[1]))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := agent.OptionsFromConfig(cfg.Agent, table)
	opts.Log = sink

	engine, err := newEngine(cfg.Mangle, logger)
	if err != nil {
		return err
	}
	if engine != nil {
		opts.Engine = engine
	}

	if cfg.Recorder.Enable {
		rec, err := recorder.New(cfg.Recorder.GetTraceDir())
		if err != nil {
			return err
		}
		if err := rec.Start(uuid.NewString()); err != nil {
			return fmt.Errorf("start trace: %w", err)
		}
		defer rec.Close()
		logger.Info("recording trace", zap.String("path", rec.Path()))
		opts.Trace = rec
	}

	sessions := browser.NewSessionManager(cfg.Browser, sink)
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	defer func() {
		if err := sessions.Shutdown(); err != nil {
			logger.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	target, err := sessions.Attach(ctx)
	if err != nil {
		return fmt.Errorf("attach to page: %w", err)
	}
	logger.Info("attached", zap.String("target", target.TargetID), zap.String("url", target.URL), zap.String("title", target.Title))

	doc, err := sessions.Document()
	if err != nil {
		return err
	}

	a := agent.New(doc, opts)
	runtime := agent.NewRuntime(ctx, a, agent.NewScheduler(a, cfg.Agent.GetCheckInterval(), sink))
	if err := runtime.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MCP.Enable {
		srv, err := mcp.NewServer(cfg, runtime, engine, sink)
		if err != nil {
			_ = runtime.Stop()
			return fmt.Errorf("init control surface: %w", err)
		}
		g.Go(func() error {
			err := srv.Serve(gctx, cfg.MCP.SSEPort)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if err := runtime.Stop(); err != nil && !errors.Is(err, agent.ErrNotRunning) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// newEngine returns nil when telemetry is disabled.
func newEngine(cfg config.MangleConfig, logger *zap.Logger) (*mangle.Engine, error) {
	if !cfg.Enable {
		return nil, nil
	}
	engine, err := mangle.NewEngine(cfg, mangle.WithLogger(logger.Named("mangle")))
	if err != nil {
		return nil, fmt.Errorf("init telemetry engine: %w", err)
	}
	return engine, nil
}
