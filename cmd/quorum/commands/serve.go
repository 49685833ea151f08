package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/audit"
	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/channel"
	"github.com/MEKXH/quorum/internal/channel/slack"
	"github.com/MEKXH/quorum/internal/channel/telegram"
	"github.com/MEKXH/quorum/internal/command"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/escalation"
	"github.com/MEKXH/quorum/internal/gateway"
	"github.com/MEKXH/quorum/internal/metrics"
	"github.com/MEKXH/quorum/internal/notify"
	"github.com/MEKXH/quorum/internal/policy"
	"github.com/MEKXH/quorum/internal/tracker"
)

const dispatchConcurrency = 8

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Quorum engine, chat channels and HTTP gateway",
		RunE:  runServe,
	}
}

// engineRuntime is the wired approval engine with its collaborators.
type engineRuntime struct {
	engine     *approval.Engine
	scheduler  *escalation.Scheduler
	dispatcher *approval.Dispatcher
	directory  *directory.Directory
	metrics    *metrics.RuntimeMetrics
	notifier   *notify.ChannelNotifier
}

func buildEngine(cfg *config.Config, msgBus *bus.MessageBus) (*engineRuntime, error) {
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}

	dir, err := directory.FromConfig(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("invalid approver directory: %w", err)
	}
	resolver := policy.NewResolver(policy.FromConfig(cfg.Approval), dir)

	var store approval.Store
	switch strings.ToLower(strings.TrimSpace(cfg.Approval.Store.Kind)) {
	case "file":
		store = approval.NewFileStore(cfg.StorePath(), cfg.Approval.HistoryLimit)
	default:
		store = approval.NewMemoryStore(cfg.Approval.HistoryLimit)
	}

	runtimeMetrics := metrics.NewRuntimeMetrics(workspacePath)
	metricsNotifier := notify.NewMetricsNotifier(runtimeMetrics)
	chatNotifier := notify.NewChannelNotifier(msgBus, notify.TargetsFromConfig(cfg.Channels))
	if cfg.Channels.Telegram.Enabled {
		chatNotifier.EnableDirect("telegram")
	}
	if cfg.Channels.Slack.Enabled {
		chatNotifier.EnableDirect("slack")
	}

	auditWriter := audit.NewWriter(workspacePath)
	slog.Debug("audit trail", "path", auditWriter.Path())
	notifiers := notify.Multi{
		chatNotifier,
		notify.NewAuditNotifier(auditWriter),
		metricsNotifier,
	}
	var mirror *tracker.Mirror
	if cfg.Tracker.Enabled {
		mirror = tracker.New(cfg.Tracker)
		notifiers = append(notifiers, mirror)
	}

	dispatcher := approval.NewDispatcher(notifiers, dispatchConcurrency)
	dispatcher.SetObserver(metricsNotifier.Observer())

	engine, err := approval.NewEngine(approval.Options{
		Resolver:   resolver,
		Directory:  dir,
		Store:      store,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return nil, err
	}
	scheduler := escalation.New(engine)
	engine.SetScheduler(scheduler)
	if mirror != nil {
		mirror.SetAnnotator(engine)
	}

	return &engineRuntime{
		engine:     engine,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		directory:  dir,
		metrics:    runtimeMetrics,
		notifier:   chatNotifier,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	msgBus := bus.NewMessageBus(100)
	rt, err := buildEngine(cfg, msgBus)
	if err != nil {
		return err
	}

	recovered, err := rt.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending approvals: %w", err)
	}
	if err := rt.scheduler.Start(); err != nil {
		return err
	}

	router := command.NewRouter(msgBus, command.NewDefaultRegistry(), rt.engine, rt.directory)
	router.SetRuntimeMetrics(rt.metrics)

	errCh := make(chan error, 2)
	go func() {
		if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("command router failed: %w", err)
		}
	}()

	chanMgr := channel.NewManager(msgBus)
	chanMgr.SetRuntimeMetrics(rt.metrics)
	if cfg.Channels.Telegram.Enabled {
		chanMgr.Register(telegram.New(&cfg.Channels.Telegram, msgBus))
	}
	if cfg.Channels.Slack.Enabled {
		chanMgr.Register(slack.New(&cfg.Channels.Slack, msgBus))
	}
	chanMgr.StartAll(ctx)
	routeCtx, stopRouting := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRouting()
	go chanMgr.RouteOutbound(routeCtx)

	gatewayServer := gateway.New(cfg.Gateway, rt.engine)
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Quorum running. Gateway: http://%s (recovered %d pending)\nPress Ctrl+C to stop.\n", gatewayServer.Addr(), recovered)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	rt.scheduler.Stop()
	flushThenStop(shutdownCtx, rt.dispatcher, stopRouting)
	chanMgr.StopAll(shutdownCtx)

	return runErr
}

// flushThenStop waits for queued notifications, bounded by ctx, and only then
// stops outbound routing so the last messages still reach their channels.
func flushThenStop(ctx context.Context, dispatcher *approval.Dispatcher, stopRouting context.CancelFunc) {
	if err := dispatcher.FlushContext(ctx); err != nil {
		slog.Warn("notification flush incomplete", "error", err)
	}
	stopRouting()
}
