// Package worker はキューに積まれた遅延タスクを実行する。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pdp-submission-service/internal/domain"
	"pdp-submission-service/internal/infra"
)

// dequeueRetryDelay はキューからの取り出しに失敗した際の待機時間。
const dequeueRetryDelay = time.Second

// TaskSource は実行時刻を過ぎたタスクを取り出す。
type TaskSource interface {
	Dequeue(ctx context.Context) (domain.Task, error)
}

// Dispatcher は送信レコードのディスパッチを行う。
type Dispatcher interface {
	Dispatch(ctx context.Context, submissionID string) error
}

// Reconciler はPDPへの状態照会を行う。
type Reconciler interface {
	Reconcile(ctx context.Context, submissionID string) error
	SweepStale(ctx context.Context) (int, error)
}

// Metrics はタスク実行の計測を行う。
type Metrics interface {
	ObserveTask(kind domain.TaskKind, err error)
}

// Pool は固定数のゴルーチンでタスクを処理する。
type Pool struct {
	source      TaskSource
	dispatcher  Dispatcher
	reconciler  Reconciler
	metrics     Metrics
	concurrency int
}

// NewPool は新しいPoolを生成する。metrics は nil でもよい。
func NewPool(source TaskSource, dispatcher Dispatcher, reconciler Reconciler, metrics Metrics, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		source:      source,
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		metrics:     metrics,
		concurrency: concurrency,
	}
}

// Run は ctx がキャンセルされるまでタスクを処理する。
// キャンセル後は実行中のタスクの完了を待ってから戻る。
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	slog.InfoContext(ctx, "worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		task, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "failed to dequeue task", "worker", worker, "error", err)
			select {
			case <-time.After(dequeueRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		// 停止要求があっても取り出したタスクは最後まで実行する
		p.Execute(context.WithoutCancel(ctx), task)
	}
}

// Execute はタスクを種別に応じて実行する。失敗はログと計測に記録する。
func (p *Pool) Execute(ctx context.Context, task domain.Task) {
	// ディスパッチャ等のログにもタスクの文脈を載せる
	ctx = infra.WithLogAttrs(ctx,
		slog.String("task_id", task.ID),
		slog.String("task_kind", string(task.Kind)),
		slog.String("lane", task.Lane),
	)
	err := p.route(ctx, task)
	if p.metrics != nil {
		p.metrics.ObserveTask(task.Kind, err)
	}
	if err != nil {
		slog.ErrorContext(ctx, "task failed", "submission_id", task.SubmissionID, "error", err)
	}
}

func (p *Pool) route(ctx context.Context, task domain.Task) error {
	switch task.Kind {
	case domain.TaskDispatch:
		return p.dispatcher.Dispatch(ctx, task.SubmissionID)
	case domain.TaskReconcile:
		err := p.reconciler.Reconcile(ctx, task.SubmissionID)
		if errors.Is(err, domain.ErrSubmissionNotFound) {
			// レコードが削除済みなら照会は不要
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}
