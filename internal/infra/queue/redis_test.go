package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"pdp-submission-service/internal/domain"
)

// newTestRedisQueue は REDIS_ADDR が設定されている場合のみキューを生成する。
func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	q, err := NewRedisQueue(addr, os.Getenv("REDIS_PASSWORD"), 0, "test-"+uuid.New().String())
	if err != nil {
		t.Fatalf("NewRedisQueue failed: %v", err)
	}
	if err := q.Ping(context.Background()); err != nil {
		t.Skipf("redis is not reachable: %v", err)
	}
	q.pollInterval = 10 * time.Millisecond
	t.Cleanup(func() {
		q.client.Del(context.Background(), q.key)
		q.Close()
	})
	return q
}

func TestNewRedisQueue_RequiresAddr(t *testing.T) {
	if _, err := NewRedisQueue("", "", 0, ""); err == nil {
		t.Error("expected error for empty addr")
	}
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := newTestRedisQueue(t)

	now := time.Now()
	if err := q.Enqueue(ctx, domain.Task{Kind: domain.TaskReconcile, SubmissionID: "SUB-LATE"}, now.Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, domain.Task{Kind: domain.TaskDispatch, SubmissionID: "SUB-DUE"}, now.Add(-time.Second)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if task.SubmissionID != "SUB-DUE" || task.Kind != domain.TaskDispatch {
		t.Errorf("unexpected task: %+v", task)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 remaining task, got %d", n)
	}

	// 期限前のタスクは取り出されない
	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if _, err := q.Dequeue(short); err == nil {
		t.Error("expected no due task")
	}
}
