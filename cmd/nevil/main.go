// Command nevil is the runtime entry point for the Nevil robot: it loads
// the system configuration, dials the shared realtime session, registers
// the node factories, and hands the node set to the launcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nevil-robotics/nevil/internal/acoustic"
	"github.com/nevil-robotics/nevil/internal/aicore"
	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/capture"
	"github.com/nevil-robotics/nevil/internal/chatlog"
	chatlogpg "github.com/nevil-robotics/nevil/internal/chatlog/postgres"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/gesture"
	"github.com/nevil-robotics/nevil/internal/health"
	"github.com/nevil-robotics/nevil/internal/launcher"
	"github.com/nevil-robotics/nevil/internal/motor"
	"github.com/nevil-robotics/nevil/internal/node"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/internal/speech"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "configs/nevil.yaml", "path to the root YAML configuration file")
	nodesDir := flag.String("nodes", "configs/nodes", "directory holding per-node descriptors (<name>.yaml)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nevil: config file %q not found — copy configs/nevil.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nevil: %v\n", err)
		}
		return 1
	}
	for k, v := range cfg.Environment {
		os.Setenv(k, v)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.System.LogLevel))
	slog.Info("nevil starting",
		"version", version,
		"config", *configPath,
		"nodes", cfg.Launch.StartupOrder,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "nevil",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}()
	metrics := observe.DefaultMetrics()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Shared infrastructure ─────────────────────────────────────────────────
	b := bus.New(bus.WithMetrics(metrics))
	registry := acoustic.NewRegistry()
	injector := gesture.New(nil)

	chatLogger, err := buildChatLogger(ctx, cfg.ChatLog, metrics)
	if err != nil {
		slog.Error("chat log init failed", "err", err)
		return 1
	}
	if chatLogger != nil {
		defer chatLogger.Close()
	}

	// ── Realtime session (shared by capture, aicore, speech) ──────────────────
	conn, err := realtime.Dial(ctx, realtime.Config{
		APIKey:                cfg.Realtime.APIKey,
		EphemeralToken:        cfg.Realtime.EphemeralToken,
		BaseURL:               cfg.Realtime.BaseURL,
		Model:                 cfg.Realtime.Model,
		Voice:                 cfg.Realtime.Voice,
		Instructions:          cfg.Realtime.Instructions,
		Tools:                 aicore.ToolDefinitions(),
		TranscriptionModel:    cfg.Realtime.TranscriptionModel,
		TranscriptionLanguage: cfg.Realtime.TranscriptionLanguage,
		MaxReconnectAttempts:  cfg.Realtime.MaxReconnectAttempts,
	}, realtime.WithMetrics(metrics))
	if err != nil {
		slog.Error("realtime dial failed", "err", err)
		return 1
	}
	defer conn.Close()

	// ── Vision client (optional) ──────────────────────────────────────────────
	var vision aicore.VisionClient
	if cfg.Realtime.APIKey != "" {
		vision, err = aicore.NewOpenAIVision(cfg.Realtime.APIKey, "")
		if err != nil {
			slog.Error("vision client init failed", "err", err)
			return 1
		}
	} else {
		slog.Warn("no API key for vision; camera frames will be dropped")
	}

	// ── Node factories ────────────────────────────────────────────────────────
	var core *aicore.Core
	nodeReg := node.NewRegistry()

	nodeReg.Register(aicore.NodeName, func(desc *config.NodeDescriptor) (node.Node, error) {
		opts := []aicore.Option{aicore.WithMetrics(metrics)}
		if chatLogger != nil {
			opts = append(opts, aicore.WithChatLog(chatLogger))
		}
		core = aicore.New(desc, conn, vision, injector, opts...)
		return core, nil
	})

	nodeReg.Register(capture.NodeName, func(desc *config.NodeDescriptor) (node.Node, error) {
		device, err := capture.OpenCmdDevice("")
		if err != nil {
			return nil, err
		}
		worker := capture.NewWorker(device, conn, registry, capture.Config{
			ResponseActive: func() bool {
				return core != nil && core.ResponseActive()
			},
		}, capture.WithMetrics(metrics))
		return capture.NewNode(desc, worker, node.WithMetrics(metrics)), nil
	})

	nodeReg.Register(speech.NodeName, func(desc *config.NodeDescriptor) (node.Node, error) {
		player := speech.NewCmdPlayer("")
		speechOpts := []speech.Option{speech.WithMetrics(metrics)}
		if chatLogger != nil {
			speechOpts = append(speechOpts, speech.WithChatLog(chatLogger))
		}
		return speech.New(desc, conn, registry, injector, player, speechOpts...), nil
	})

	nodeReg.Register(motor.NodeName, func(desc *config.NodeDescriptor) (node.Node, error) {
		return motor.NewNode(desc, &motor.LogController{}, registry,
			node.WithMetrics(metrics)), nil
	})

	descriptors := func(name string) (*config.NodeDescriptor, error) {
		return config.LoadNode(filepath.Join(*nodesDir, name+".yaml"))
	}

	// ── Launch ────────────────────────────────────────────────────────────────
	l := launcher.New(cfg, b, nodeReg, descriptors,
		launcher.WithHealthCheckers(health.RealtimeChecker(conn)),
		launcher.WithKillPatterns("aplay", "arecord"),
	)

	slog.Info("runtime ready — press Ctrl+C to shut down")
	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildChatLogger selects the analytics store: PostgreSQL when a DSN is
// configured, the JSONL file store when a path is, neither otherwise.
func buildChatLogger(ctx context.Context, cfg config.ChatLogConfig, m *observe.Metrics) (*chatlog.Logger, error) {
	switch {
	case cfg.PostgresDSN != "":
		store, err := chatlogpg.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres chat log: %w", err)
		}
		return chatlog.NewLogger(store, chatlog.WithMetrics(m)), nil
	case cfg.Path != "":
		return chatlog.NewLogger(chatlog.NewFileStore(cfg.Path), chatlog.WithMetrics(m)), nil
	default:
		return nil, nil
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
