package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/record"
)

// Reconciler は滞留したIN_FLIGHTレコードを定期的にPENDINGへ戻す。
type Reconciler struct {
	store      record.Store
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler は新しいReconcilerを生成する。
// 0以下の値には既定値を使う。
func NewReconciler(store record.Store, staleAfter, interval time.Duration, logger *zap.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		logger:     logger.Named("reconciler"),
	}
}

// Sweep は staleAfter より長くIN_FLIGHTのレコードを回収し、件数を返す。
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.RequeueStale(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		requeuedTotal.Add(float64(n))
		r.logger.Warn("滞留レコードをPENDINGに戻しました", zap.Int64("count", n))
	}
	return n, nil
}

// Run はctxがキャンセルされるまで一定間隔でSweepを繰り返す。
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("滞留レコードの回収に失敗しました", zap.Error(err))
			}
		}
	}
}
