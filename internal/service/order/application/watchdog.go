package application

import (
	"context"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/zookeeper"
)

const watchdogLockResource = "saga-watchdog"

// Watchdog 周期性地恢复长时间停留在非终态的 Saga（进程崩溃、结果未知而暂停等）。
// 多实例部署时只有拿到锁的实例执行扫描。
type Watchdog struct {
	orchestrator *SagaOrchestrator
	locker       zookeeper.Locker
	interval     time.Duration
	stallAfter   time.Duration
	batch        int
}

func NewWatchdog(o *SagaOrchestrator, locker zookeeper.Locker, interval, stallAfter time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if stallAfter <= 0 {
		stallAfter = 2 * time.Minute
	}
	return &Watchdog{orchestrator: o, locker: locker, interval: interval, stallAfter: stallAfter, batch: 100}
}

// Run 阻塞直到 ctx 取消
func (w *Watchdog) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Dur("interval", w.interval).Dur("stall_after", w.stallAfter).Msg("✅ Saga watchdog started.")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Saga watchdog stopped.")
			return nil
		case <-ticker.C:
			if _, err := w.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Saga watchdog pass failed")
			}
		}
	}
}

// CheckOnce 持锁执行一轮恢复，返回推进到终态的 Saga 数量
func (w *Watchdog) CheckOnce(ctx context.Context) (int, error) {
	unlock, err := w.locker.Lock(ctx, watchdogLockResource)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Failed to release watchdog lock")
		}
	}()
	return w.orchestrator.ResumeStalled(ctx, w.stallAfter, w.batch)
}
