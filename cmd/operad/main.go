// Command operad is the Opera runtime executable: it wires configuration
// into a broker.Access set, constructs the runtime orchestrator, starts
// the health server, and optionally drives a scenario replay, grounded on
// the teacher's cmd/oriond/main.go (flag parsing, slog JSON handler,
// context.WithCancel + signal.Notify graceful shutdown, health server).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ariadne-cps/opera/internal/broker"
	brokerkafka "github.com/ariadne-cps/opera/internal/broker/kafka"
	brokermemory "github.com/ariadne-cps/opera/internal/broker/memory"
	brokermqtt "github.com/ariadne-cps/opera/internal/broker/mqtt"
	"github.com/ariadne-cps/opera/internal/config"
	"github.com/ariadne-cps/opera/internal/health"
	"github.com/ariadne-cps/opera/internal/opera"
	"github.com/ariadne-cps/opera/internal/runtime"
	"github.com/ariadne-cps/opera/internal/scenario"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("operad", flag.ContinueOnError)
	flags, err := config.ParseFlags(fs, args)
	if err != nil {
		return 2
	}

	logLevel := slog.LevelInfo
	if flags.Verbosity > 0 {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// runID correlates every log line emitted by this process invocation,
	// the same role the teacher's per-frame TraceID plays for a single
	// capture, generalized here to a single operad run.
	runID := uuid.New().String()
	logger = logger.With("run_id", runID)

	file, err := config.LoadFile(flags.WorkcellFile)
	if err != nil {
		logger.Error("failed to load workcell file", "error", err)
		return 1
	}

	cfg, err := config.Load(flags, file)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	acc, closeAccess, err := buildAccess(logger, cfg)
	if err != nil {
		logger.Error("failed to construct broker access", "error", err)
		return 1
	}
	defer closeAccess()

	rt, err := runtime.New(logger, runtime.Config{
		Concurrency:    cfg.Concurrency,
		JobKind:        cfg.JobKind,
		Policy:         cfg.Policy,
		Equivalence:    cfg.Equivalence,
		WeakTolerance:  cfg.WeakTolerance,
		IngressBacklog: cfg.IngressBacklog,
		Topics:         cfg.Topics,
	}, acc)
	if err != nil {
		logger.Error("failed to construct runtime", "error", err)
		return 1
	}

	healthSrv := health.NewServer(logger, rt)
	if err := healthSrv.Start(cfg.HealthPort); err != nil {
		logger.Error("failed to start health server", "error", err)
		return 1
	}
	defer healthSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.ScenarioType != "" {
		driver := scenario.New(logger,
			scenario.Fixture{Type: cfg.ScenarioType, Key: cfg.ScenarioKey},
			acc.BodyPresentation, acc.HumanState, acc.RobotState,
			cfg.Topics, cfg.Speedup)
		go func() {
			if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scenario replay failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errCh:
		cancel()
	}

	rt.Shutdown()

	if runErr != nil {
		logger.Error("runtime terminated with error", "error", runErr)
		if opera.Fatal(runErr) {
			return 1
		}
	}

	logger.Info("operad stopped successfully")
	return 0
}

// buildAccess selects one broker.Access implementation for all four
// topics based on which broker's environment variables are populated:
// Kafka takes precedence over MQTT, which takes precedence over the
// in-memory loopback. Mixing substrates per topic (permitted by
// spec.md §6) is left to a caller constructing runtime.Access directly,
// since the CLI surface of spec.md names no per-topic broker flag.
func buildAccess(logger *slog.Logger, cfg *config.Config) (runtime.Access, func(), error) {
	var access broker.Access
	var err error

	switch {
	case cfg.Kafka.BrokerURI != "":
		access, err = brokerkafka.New(logger, brokerkafka.Config{
			BrokerURI:        cfg.Kafka.BrokerURI,
			SASLMechanism:    cfg.Kafka.SASLMechanism,
			SecurityProtocol: cfg.Kafka.SecurityProtocol,
			Username:         cfg.Kafka.Username,
			Password:         cfg.Kafka.Password,
			TopicPrefix:      cfg.Kafka.TopicPrefix,
		})
	case cfg.MQTT.BrokerURI != "":
		access, err = brokermqtt.Connect(logger, brokermqtt.Config{
			BrokerURI:  cfg.MQTT.BrokerURI,
			BrokerPort: cfg.MQTT.BrokerPort,
			ClientID:   "operad",
		})
	default:
		access = brokermemory.New()
	}
	if err != nil {
		return runtime.Access{}, func() {}, err
	}

	return runtime.Access{
			BodyPresentation:      access,
			HumanState:            access,
			RobotState:            access,
			CollisionNotification: access,
		}, func() {
			_ = access.Close()
		}, nil
}
