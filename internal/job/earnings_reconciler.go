package job

import (
	"context"
	"time"

	"affiliate/internal/service"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// EarningsReconciler 周期性对账任务
type EarningsReconciler struct {
	reconciler *service.EarningsReconciler
	interval   time.Duration
	clock      clockz.Clock
	log        *zap.Logger
	stopCh     chan struct{}
}

func NewEarningsReconciler(reconciler *service.EarningsReconciler, interval time.Duration, clock clockz.Clock, log *zap.Logger) *EarningsReconciler {
	return &EarningsReconciler{
		reconciler: reconciler,
		interval:   interval,
		clock:      clock,
		log:        log.Named("EarningsReconcileJob"),
		stopCh:     make(chan struct{}),
	}
}

func (j *EarningsReconciler) Start(ctx context.Context) {
	j.log.Info("收益对账任务启动", zap.Duration("interval", j.interval))

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C():
			j.RunOnce(ctx)
		}
	}
}

func (j *EarningsReconciler) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮对账，返回修正的推广员数
func (j *EarningsReconciler) RunOnce(ctx context.Context) int {
	report, err := j.reconciler.ReconcileAll(ctx)
	if err != nil {
		j.log.Error("对账中断", zap.Error(err))
	}
	if report == nil {
		return 0
	}
	return len(report.Fixed)
}
