package worker

import (
	"context"
	"sync"
	"ticket-rush/internal/service"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"go.uber.org/zap"
)

// Sweeper 補發卡住的 intent
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// Expirer 逾期未付款的訂單歸還庫存
type Expirer interface {
	ExpireUnpaid(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type SweepWorkerConfig struct {
	Interval      time.Duration
	PaymentWindow time.Duration
	Batch         int
}

// SweepWorker 定期掃描 PENDING intent 與逾期訂單
type SweepWorker struct {
	sweeper Sweeper
	expirer Expirer
	cfg     SweepWorkerConfig
	clock   clock.Clock
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewSweepWorker(sweeper Sweeper, expirer Expirer, cfg SweepWorkerConfig, clk clock.Clock) *SweepWorker {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &SweepWorker{
		sweeper: sweeper,
		expirer: expirer,
		cfg:     cfg,
		clock:   clk,
		log:     logger.WithComponent("sweep"),
	}
}

func (w *SweepWorker) Start(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.Interval)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce 執行一輪掃描，錯誤只記錄，下一輪再試
func (w *SweepWorker) RunOnce(ctx context.Context) {
	if _, err := w.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.log.Error("intent sweep failed", zap.Error(err))
	}

	if w.expirer == nil || w.cfg.PaymentWindow <= 0 {
		return
	}
	n, err := w.expirer.ExpireUnpaid(ctx, w.cfg.PaymentWindow, w.cfg.Batch)
	if err != nil && ctx.Err() == nil {
		w.log.Error("expire unpaid orders failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("unpaid orders expired", zap.Int("count", n))
	}
}

func (w *SweepWorker) Wait() {
	w.wg.Wait()
}
