package main

// ============================================================================
// 崩潰恢復示範
//
//   go run ./cmd/demo start     # 建立群組與工作、接受出價，執行中按 Ctrl+C
//   go run ./cmd/demo recover   # 重新啟動，從 SQLite + WAL/快照繼續執行
//
// 使用 configs/default.yaml（不存在時使用預設值），store 強制為 sqlite。
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/swarm-market/internal/config"
	"github.com/ChuLiYu/swarm-market/internal/controller"
	"github.com/ChuLiYu/swarm-market/internal/jobmanager"
	"github.com/ChuLiYu/swarm-market/internal/logging"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

const demoJobs = 200

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Store.Driver = config.StoreSQLite
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false

	logger, err := logging.New("warn", "text")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctrl, err := controller.New(cfg, controller.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, queue recovery: %v)\n", mode, ctrl.Status().RecoveryTime)

	if mode == "start" {
		status := ctrl.Status()
		if status.Queue.Pending+status.Queue.Dead > 0 {
			fmt.Printf("\n⚠️  Found queued executions from a previous run\n")
			printStatus("Current Status (after recovery)", ctrl)
			fmt.Printf("💡 Run 'go run ./cmd/demo recover' to watch them finish\n")
		} else {
			seed(ctx, ctrl)
			fmt.Printf("💡 Press Ctrl+C NOW to stop while executions are in flight!\n\n")
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			shutdown(ctrl)
			return
		case <-ticker.C:
			s := ctrl.Status().Queue
			fmt.Printf("📊 Pending=%d In-Flight=%d Dead=%d\n", s.Pending, s.InFlight, s.Dead)
			if s.Pending == 0 && s.InFlight == 0 {
				printStatus("Final Status", ctrl)
				shutdown(ctrl)
				return
			}
		}
	}
}

// seed 建立三個群組與 demoJobs 個工作，並接受每個工作的第一個出價
func seed(ctx context.Context, ctrl *controller.Controller) {
	stamp := time.Now().Unix()
	swarms := make([]*types.Swarm, 0, 3)
	for i := 0; i < 3; i++ {
		swarm, err := ctrl.RegisterSwarm(ctx, jobmanager.RegisterSwarmRequest{
			Name:    fmt.Sprintf("demo-swarm-%d", i),
			OwnerID: fmt.Sprintf("demo-owner-%d", i),
			Members: []types.Member{
				{Address: fmt.Sprintf("0xdemo%d-%d-router", stamp, i), Role: "router"},
				{Address: fmt.Sprintf("0xdemo%d-%d-worker", stamp, i), Role: "worker"},
			},
		})
		if err != nil {
			log.Fatalf("Failed to register swarm: %v", err)
		}
		swarms = append(swarms, swarm)
	}

	for i := 0; i < demoJobs; i++ {
		job, err := ctrl.CreateJob(ctx, jobmanager.CreateJobRequest{
			Title:    fmt.Sprintf("crash-demo-%03d", i),
			Payment:  1000,
			ClientID: "demo-client",
		})
		if err != nil {
			log.Fatalf("Failed to create job: %v", err)
		}
		bid, err := ctrl.SubmitBid(ctx, jobmanager.BidRequest{
			JobID:          job.ID,
			SwarmID:        swarms[i%len(swarms)].ID,
			Price:          900,
			EstimatedHours: 1,
		})
		if err != nil {
			log.Fatalf("Failed to submit bid: %v", err)
		}
		if _, err := ctrl.AcceptBid(ctx, job.ID, bid.ID, "demo-client"); err != nil {
			log.Fatalf("Failed to accept bid: %v", err)
		}
	}
	fmt.Printf("✓ Accepted %d jobs across %d swarms\n", demoJobs, len(swarms))
}

func printStatus(title string, ctrl *controller.Controller) {
	s := ctrl.Status()
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:      %d\n", s.Queue.Pending)
	fmt.Printf("  In-Flight:    %d\n", s.Queue.InFlight)
	fmt.Printf("  Dead:         %d\n", s.Queue.Dead)
	fmt.Printf("  Recovery:     %v\n\n", s.RecoveryTime)
}

func shutdown(ctrl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}
