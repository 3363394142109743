// Package queue は実行予定時刻付きのタスクキューを提供する。
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdp-submission-service/internal/domain"
)

// MemoryQueue はプロセス内の遅延タスクキュー。実行予定時刻の早い順に取り出す。
// プロセス再起動でタスクは失われるため、開発・単一インスタンス向け。
type MemoryQueue struct {
	lane  string
	mu    sync.Mutex
	items taskHeap
	seq   uint64
	wake  chan struct{}
	now   func() time.Time
}

// NewMemoryQueue は新しいMemoryQueueを生成する。
func NewMemoryQueue(lane string) *MemoryQueue {
	if lane == "" {
		lane = domain.DefaultLane
	}
	return &MemoryQueue{
		lane: lane,
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Enqueue は runAt 以降に実行するタスクを追加する。
func (q *MemoryQueue) Enqueue(_ context.Context, task domain.Task, runAt time.Time) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Lane = q.lane
	task.RunAt = runAt

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item{task: task, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue は実行予定時刻を過ぎたタスクを1件取り出す。該当がなければ待機する。
func (q *MemoryQueue) Dequeue(ctx context.Context) (domain.Task, error) {
	for {
		q.mu.Lock()
		wait := time.Duration(-1)
		if len(q.items) > 0 {
			next := q.items[0]
			if d := next.task.RunAt.Sub(q.now()); d > 0 {
				wait = d
			} else {
				heap.Pop(&q.items)
				q.mu.Unlock()
				return next.task, nil
			}
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return domain.Task{}, ctx.Err()
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return domain.Task{}, ctx.Err()
		}
	}
}

// Len は待機中のタスク数を返す。
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Close は何もしない。
func (q *MemoryQueue) Close() error {
	return nil
}

type item struct {
	task domain.Task
	seq  uint64
}

// taskHeap は RunAt 昇順、同時刻は投入順の最小ヒープ。
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.RunAt.Equal(h[j].task.RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.RunAt.Before(h[j].task.RunAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
