package worker

import (
	"context"
	"log/slog"
	"time"
)

// Recoverer はタスクを失った送信前のレコードを登録し直す。
type Recoverer interface {
	RequeueOrphaned(ctx context.Context) (int, error)
}

// RunSweeper は interval ごとに判定待ちのまま放置されたレコードを error に遷移させ、
// ディスパッチのタスクを失ったレコードを登録し直す。
func RunSweeper(ctx context.Context, reconciler Reconciler, recoverer Recoverer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, reconciler, recoverer)
		}
	}
}

func sweep(ctx context.Context, reconciler Reconciler, recoverer Recoverer) {
	n, err := reconciler.SweepStale(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "stale sweep failed", "error", err)
	} else if n > 0 {
		slog.WarnContext(ctx, "stale submissions expired", "count", n)
	}

	n, err = recoverer.RequeueOrphaned(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "orphan recovery failed", "error", err)
		return
	}
	if n > 0 {
		slog.WarnContext(ctx, "orphaned submissions requeued", "count", n)
	}
}
