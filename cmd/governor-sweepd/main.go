// Command governor-sweepd runs the governance engine's housekeeping sweep
// (expire_pending, idempotency GC) on a crontab schedule, for operators who
// prefer an external scheduler over the in-process ticker that
// cmd/governor runs by default.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/idempotency"
	"github.com/marcus-qen/legator/internal/controlplane/governance/sweep"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dataDir := os.Getenv("GOVERNOR_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/governor"
	}
	schedule := os.Getenv("GOVERNOR_SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "@every 1m"
	}

	approvals, err := approval.Open(filepath.Join(dataDir, "approvals.db"))
	if err != nil {
		logger.Fatal("open approvals store", zap.Error(err))
	}
	defer approvals.Close()

	idem, err := idempotency.Open(filepath.Join(dataDir, "idempotency.db"), 0)
	if err != nil {
		logger.Fatal("open idempotency store", zap.Error(err))
	}
	defer idem.Close()

	sweeper := sweep.New(approvals, idem, logger.Named("sweep"))

	c := cron.New()
	if _, err := c.AddFunc(schedule, sweeper.Run); err != nil {
		logger.Fatal("invalid GOVERNOR_SWEEP_SCHEDULE", zap.String("schedule", schedule), zap.Error(err))
	}

	logger.Info("starting sweep daemon", zap.String("schedule", schedule))
	c.Start()
	defer c.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutting down sweep daemon")
}
