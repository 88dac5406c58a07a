package application

import (
	"context"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/zookeeper"
)

const sweepLockResource = "inventory-expiry-sweep"

// Sweeper 周期性执行 ExpireSweep。多实例部署时通过分布式锁保证同一时刻只有一个实例在扫描。
type Sweeper struct {
	engine   *Engine
	locker   zookeeper.Locker
	interval time.Duration
}

func NewSweeper(engine *Engine, locker zookeeper.Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: engine, locker: locker, interval: interval}
}

// Run 阻塞直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("✅ Reservation expiry sweeper started.")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Reservation expiry sweeper stopped.")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// SweepOnce 持锁执行一轮扫描
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	unlock, err := s.locker.Lock(ctx, sweepLockResource)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Failed to release sweep lock")
		}
	}()
	return s.engine.ExpireSweep(ctx, s.engine.Now())
}
