// ============================================================================
// Swarm-Market CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面
//
// Command Structure:
//   swarm-market                   # Root command
//   ├── run                        # 啟動市場服務（REST API + 執行佇列 + 指標）
//   ├── backend                    # 以 gRPC 提供模擬執行後端
//   ├── status                     # 離線檢視佇列狀態（快照 + WAL）
//   ├── dead-letters               # 離線列出死信
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --version
//
// run Command:
//   1. 載入設定檔，建立 slog logger
//   2. 建立並啟動 Controller（恢復執行佇列）
//   3. 啟動 REST API 與 /metrics HTTP 服務（依設定啟用）
//   4. 收到 SIGINT / SIGTERM 後依序關閉：HTTP 服務 → Controller
//
//   Examples:
//     ./swarm-market run
//     ./swarm-market run -c custom-config.yaml
//
// backend Command:
//   在 backend.simulator.listen 上提供模擬執行後端，
//   讓另一個 run 以 backend.kind=grpc 連線。
//
// status / dead-letters Command:
//   直接讀取快照與 WAL 檔案，不需要服務在執行中。
//   服務執行中時請改用 GET /api/v1/admin/status。
//
// ============================================================================

package cli

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
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/swarm-market/internal/api"
	"github.com/ChuLiYu/swarm-market/internal/backend"
	"github.com/ChuLiYu/swarm-market/internal/config"
	"github.com/ChuLiYu/swarm-market/internal/controller"
	"github.com/ChuLiYu/swarm-market/internal/logging"
	"github.com/ChuLiYu/swarm-market/internal/snapshot"
	"github.com/ChuLiYu/swarm-market/internal/storage/wal"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// 關閉 HTTP 服務與 Controller 的總時限
const shutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm-market",
		Short: "Swarm-Market: a job marketplace for agent swarms",
		Long: `Swarm-Market matches client jobs with agent swarms:
- Bidding and acceptance with a single-assignment guarantee
- Durable execution queue (WAL + snapshot) with retries and dead letters
- Proportional earnings settlement
- Redis Pub/Sub notifications and Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBackendCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDeadLettersCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the marketplace service",
		Long:  "Start the REST API, the execution queue and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, logger)
		},
	}
}

// setup 載入設定並建立全域 logger
func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// runSystem 執行服務直到 ctx 結束或任一 HTTP 服務失敗
func runSystem(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting Swarm-Market", "config", configFile)

	ctrl, err := controller.New(cfg, controller.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to start controller: %w", err)
	}

	servers := buildServers(cfg, ctrl, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("HTTP server listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		if err := ctrl.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("System stopped")
	return nil
}

func buildServers(cfg config.Config, ctrl *controller.Controller, logger *slog.Logger) []*http.Server {
	var servers []*http.Server
	if cfg.API.Enabled {
		servers = append(servers, api.New(ctrl, logger).NewHTTPServer(cfg.API.Address))
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ctrl.Metrics().Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	return servers
}

// ============================================================================
// backend
// ============================================================================

func buildBackendCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the simulated execution backend over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Backend.Simulator.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveBackend(ctx, cfg.Backend.Simulator, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides backend.simulator.listen)")
	return cmd
}

func serveBackend(ctx context.Context, sc config.SimulatorConfig, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sc.Listen, err)
	}

	sim := backend.NewSimulator(backend.SimulatorConfig{
		MinDelay:    sc.MinDelay,
		MaxDelay:    sc.MaxDelay,
		FailureRate: sc.FailureRate,
		Seed:        sc.Seed,
	})
	grpcServer := grpc.NewServer()
	backend.NewServer(sim, logger).Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Execution backend listening", "address", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	logger.Info("Execution backend stopped")
	return nil
}

// ============================================================================
// status / dead-letters（離線）
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status from the snapshot and WAL files",
		Long:  "Display persisted execution queue statistics without a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := showStatus(cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if dump {
				fmt.Fprintln(cmd.OutOrStdout())
				return wal.DumpWAL(cfg.Queue.WALPath, cmd.OutOrStdout())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every WAL event after the summary")
	return cmd
}

func showStatus(w io.Writer, cfg config.Config) error {
	snap, err := snapshot.NewManager(cfg.Queue.SnapshotPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	stats, err := wal.GetStats(cfg.Queue.WALPath)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config File:    %s\n", configFile)
	fmt.Fprintf(w, "  Store:          %s %s\n", cfg.Store.Driver, cfg.Store.Path)
	fmt.Fprintf(w, "  Backend:        %s\n", cfg.Backend.Kind)
	fmt.Fprintf(w, "  Workers:        %d (max attempts %d)\n", cfg.Queue.Concurrency, cfg.Queue.MaxAttempts)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Snapshot:")
	fmt.Fprintf(w, "  Path:           %s\n", cfg.Queue.SnapshotPath)
	fmt.Fprintf(w, "  Last Seq:       %d\n", snap.LastSeq)
	fmt.Fprintf(w, "  Pending Tasks:  %d\n", len(snap.Tasks))
	fmt.Fprintf(w, "  Dead Letters:   %d\n", len(snap.DeadLetters))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "WAL:")
	fmt.Fprintf(w, "  Path:           %s\n", cfg.Queue.WALPath)
	fmt.Fprintf(w, "  Events:         %d\n", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "  Seq Range:      %d..%d\n", stats.FirstSeq, stats.LastSeq)
		names := make([]string, 0, len(stats.EventTypes))
		for t := range stats.EventTypes {
			names = append(names, string(t))
		}
		sort.Strings(names)
		for _, t := range names {
			fmt.Fprintf(w, "    %-12s  %d\n", t, stats.EventTypes[wal.EventType(t)])
		}
	}
	return nil
}

func buildDeadLettersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered executions from the snapshot and WAL files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			dead, err := loadDeadLetters(cfg.Queue.SnapshotPath, cfg.Queue.WALPath)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), dead)
			return nil
		},
	}
}

// loadDeadLetters 以快照為基礎，套用快照之後的 DEAD / REVIVE 事件
func loadDeadLetters(snapshotPath, walPath string) ([]types.DeadLetter, error) {
	snap, err := snapshot.NewManager(snapshotPath).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	dead := make(map[types.TaskID]types.DeadLetter, len(snap.DeadLetters))
	for id, dl := range snap.DeadLetters {
		dead[id] = *dl
	}

	events, err := wal.ReadEvents(walPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}
	for _, e := range events {
		if e.Seq <= snap.LastSeq {
			continue
		}
		switch e.Type {
		case wal.EventDead:
			dl := types.DeadLetter{
				Task:     types.ExecutionTask{ID: e.TaskID, JobID: e.JobID},
				Reason:   e.Reason,
				FailedAt: e.Timestamp,
			}
			if e.Task != nil {
				dl.Task = *e.Task
			}
			dead[e.TaskID] = dl
		case wal.EventRevive:
			delete(dead, e.TaskID)
		}
	}

	out := make([]types.DeadLetter, 0, len(dead))
	for _, dl := range dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt != out[j].FailedAt {
			return out[i].FailedAt < out[j].FailedAt
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out, nil
}

func printDeadLetters(w io.Writer, dead []types.DeadLetter) {
	if len(dead) == 0 {
		fmt.Fprintln(w, "No dead letters")
		return
	}
	fmt.Fprintf(w, "%d dead letter(s):\n", len(dead))
	for _, dl := range dead {
		at := time.UnixMilli(dl.FailedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "  task=%s job=%s swarm=%s attempts=%d failed_at=%s reason=%q\n",
			dl.Task.ID, dl.Task.JobID, dl.Task.SwarmID, dl.Task.Attempt, at, dl.Reason)
	}
}
