package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"scriptnerd/internal/api"
	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/config"
	"scriptnerd/internal/llm"
	"scriptnerd/internal/log"
	loglogrus "scriptnerd/internal/log/logrus"
	"scriptnerd/internal/loop"
	"scriptnerd/internal/mcp"
	"scriptnerd/internal/recorder"
	"scriptnerd/internal/registry"
	"scriptnerd/internal/store"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"

	loggerTypeDefault = "default"
	loggerTypeJSON    = "json"
)

type rootFlags struct {
	ConfigPath   string
	Debug        bool
	NoLog        bool
	NoColor      bool
	LoggerType   string
	ListenAddr   string
	NoWorkspace  bool
	WorkspaceDir string
}

// Run runs the main application.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := kingpin.New("scriptnerd", "AI-assisted userscript co-authoring daemon.")
	app.DefaultEnvars()

	flags := &rootFlags{}
	app.Flag("config", "Path to an explicit config file.").StringVar(&flags.ConfigPath)
	app.Flag("debug", "Enable debug logging.").BoolVar(&flags.Debug)
	app.Flag("no-log", "Disable logging.").BoolVar(&flags.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&flags.NoColor)
	app.Flag("logger", "Selects the logger format.").Default(loggerTypeDefault).EnumVar(&flags.LoggerType, loggerTypeDefault, loggerTypeJSON)
	app.Flag("listen", "Override the HTTP/WebSocket listen address.").StringVar(&flags.ListenAddr)
	app.Flag("no-workspace", "Skip workspace config discovery.").BoolVar(&flags.NoWorkspace)
	app.Flag("workspace-dir", "Use this directory as the workspace root.").StringVar(&flags.WorkspaceDir)

	runCmd := app.Command("run", "Start the daemon.").Default()
	initCmd := app.Command("init", "Create a .scriptnerd/ workspace in the current directory.")

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	switch cmdName {
	case initCmd.FullCommand():
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if err := config.InitWorkspace(cwd); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "initialized workspace in %s\n", cwd)
		return nil
	case runCmd.FullCommand():
		return runDaemon(ctx, flags, stderr)
	default:
		return fmt.Errorf("unknown command %q", cmdName)
	}
}

func runDaemon(ctx context.Context, flags *rootFlags, stderr io.Writer) error {
	cfg, wsDir, err := config.LoadWithWorkspace(flags.ConfigPath, config.WorkspaceOptions{
		Disable:     flags.NoWorkspace,
		ExplicitDir: flags.WorkspaceDir,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.ListenAddr != "" {
		cfg.Server.ListenAddr = flags.ListenAddr
	}

	logger, logClose, err := getLogger(*flags, cfg, stderr)
	if err != nil {
		return err
	}
	if logClose != nil {
		defer logClose()
	}
	if wsDir != "" {
		logger.Infof("Using workspace %s", wsDir)
	}

	// Browser gateway.
	gateway, err := browser.NewGateway(browser.GatewayConfig{
		Browser: cfg.Browser,
		Capture: cfg.Capture,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating browser gateway: %w", err)
	}
	if cfg.Browser.AutoStart {
		if err := gateway.Start(ctx); err != nil {
			return fmt.Errorf("starting browser: %w", err)
		}
	} else {
		logger.Infof("Browser auto-start disabled; first task creation will launch it")
	}

	// Persistence.
	st, err := store.Open(store.Config{
		Path:      cfg.Storage.Path,
		CacheSize: cfg.Storage.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Observation capturer.
	capturer, err := capture.New(capture.Config{
		Pages:   gateway,
		Capture: cfg.Capture,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating capturer: %w", err)
	}

	// Model client.
	model := llm.NewClient(llm.ClientConfig{
		BaseURL:    cfg.Model.BaseURL,
		Model:      cfg.Model.Name,
		TitleModel: cfg.Model.TitleModel,
		APIKey:     cfg.Model.ResolveAPIKey(),
		MaxTokens:  cfg.Model.MaxTokens,
	}, &http.Client{Timeout: cfg.Model.GetRequestTimeout()})

	// Run recorder.
	rec, err := recorder.New(cfg.Recorder, logger)
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}
	if err := rec.Start(); err != nil {
		return fmt.Errorf("starting recorder: %w", err)
	}
	defer rec.Close()

	// Broadcast hub, shared by the loop, the registry and the API.
	hub := api.NewWSHub()

	// Auto-run registry.
	reg, err := registry.New(registry.Config{
		Gateway:   gateway,
		Tasks:     st,
		Broadcast: hub,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}

	// Orchestration loop.
	orch, err := loop.New(loop.Config{
		Store:     st,
		Gateway:   gateway,
		Capturer:  capturer,
		Model:     model,
		Registry:  reg,
		Broadcast: hub,
		Recorder:  rec,
		Loop:      cfg.Loop,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating loop: %w", err)
	}

	// HTTP + WebSocket API.
	apiServer, err := api.NewServer(api.Deps{
		Store:    st,
		Gateway:  gateway,
		Capturer: capturer,
		Loop:     orch,
		Registry: reg,
		Hub:      hub,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP server.
	{
		httpServer := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: apiServer.Handler(),
		}
		g.Add(
			func() error {
				logger.Infof("HTTP API listening on %s", cfg.Server.ListenAddr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			},
		)
	}

	// Auto-run registry.
	{
		regCtx, regCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				err := reg.Run(regCtx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
			func(_ error) {
				regCancel()
			},
		)
	}

	// Optional MCP stdio surface.
	if cfg.MCP.Enabled {
		mcpServer, err := mcp.NewServer(cfg, mcp.Deps{
			Gateway:  gateway,
			Capturer: capturer,
			Tasks:    st,
			Loop:     orch,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}

		mcpCtx, mcpCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				var err error
				if cfg.MCP.SSEPort > 0 {
					logger.Infof("MCP SSE server on port %d", cfg.MCP.SSEPort)
					err = mcpServer.StartSSE(mcpCtx, cfg.MCP.SSEPort)
				} else {
					logger.Infof("MCP stdio server started")
					err = mcpServer.Start(mcpCtx)
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
			func(_ error) {
				mcpCancel()
			},
		)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("Browser shutdown: %v", err)
		}
	}()

	return g.Run()
}

// getLogger returns the application logger. In MCP stdio mode logs must not
// touch stdout/stderr, so they go to the configured log file (or nowhere).
func getLogger(flags rootFlags, cfg config.Config, stderr io.Writer) (log.Logger, func(), error) {
	if flags.NoLog {
		return log.Noop, nil, nil
	}

	logrusLog := logrus.New()
	logrusLog.Out = stderr

	var closeFn func()
	if cfg.MCP.Enabled && cfg.MCP.SSEPort == 0 {
		if cfg.Server.LogFile == "" {
			logrusLog.Out = io.Discard
		} else {
			f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("opening log file: %w", err)
			}
			logrusLog.Out = f
			closeFn = func() { _ = f.Close() }
		}
	}

	logrusLogEntry := logrus.NewEntry(logrusLog)
	if flags.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch flags.LoggerType {
	case loggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !flags.NoColor,
			DisableColors: flags.NoColor,
		})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})
	return logger, closeFn, nil
}

func main() {
	ctx := context.Background()
	if err := Run(ctx, os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
