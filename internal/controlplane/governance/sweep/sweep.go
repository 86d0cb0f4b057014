// Package sweep runs the governance engine's periodic housekeeping: expiring
// stale pending approvals and purging expired idempotency entries.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/idempotency"
)

// Sweeper owns the stores a sweep pass touches.
type Sweeper struct {
	approvals  *approval.Store
	idempotent *idempotency.Store
	logger     *zap.Logger
}

// New builds a Sweeper. idempotent may be nil if idempotency GC is handled
// elsewhere.
func New(approvals *approval.Store, idempotent *idempotency.Store, logger *zap.Logger) *Sweeper {
	return &Sweeper{approvals: approvals, idempotent: idempotent, logger: logger}
}

// Run executes one sweep pass: expire_pending over due approvals, then purge
// expired idempotency entries.
func (s *Sweeper) Run() {
	expired, err := s.approvals.ExpirePending()
	if err != nil {
		s.logf("expire pending approvals failed", zap.Error(err))
	} else if expired > 0 {
		s.logf("expired pending approvals", zap.Int("count", expired))
	}

	if s.idempotent == nil {
		return
	}
	purged, err := s.idempotent.PurgeExpired()
	if err != nil {
		s.logf("purge idempotency entries failed", zap.Error(err))
	} else if purged > 0 {
		s.logf("purged idempotency entries", zap.Int64("count", purged))
	}
}

func (s *Sweeper) logf(msg string, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	s.logger.Info(msg, fields...)
}

// StartTicker runs Run on a fixed interval until stop is closed, mirroring
// the approval queue's in-process reaper loop.
func (s *Sweeper) StartTicker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Run()
			}
		}
	}()
}
