package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pdp-submission-service/internal/domain"
)

// RedisQueue はRedisのソート済みセットを使う遅延タスクキュー。
// スコアに実行予定時刻（Unixミリ秒）を持ち、期限到来分をLuaスクリプトで原子的に取り出す。
// 複数インスタンスのワーカーで共有できる。
type RedisQueue struct {
	client       *redis.Client
	key          string
	lane         string
	pollInterval time.Duration
	now          func() time.Time
}

var redisPopScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then
  return false
end
redis.call("ZREM", KEYS[1], items[1])
return items[1]
`)

// NewRedisQueue は新しいRedisQueueを生成する。
func NewRedisQueue(addr, password string, db int, lane string) (*RedisQueue, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if lane == "" {
		lane = domain.DefaultLane
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisQueue{
		client:       client,
		key:          "pdp:tasks:" + lane,
		lane:         lane,
		pollInterval: 500 * time.Millisecond,
		now:          time.Now,
	}, nil
}

// Ping は接続を確認する。
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue は runAt 以降に実行するタスクを追加する。
func (q *RedisQueue) Enqueue(ctx context.Context, task domain.Task, runAt time.Time) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Lane = q.lane
	task.RunAt = runAt.UTC()

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

// Dequeue は実行予定時刻を過ぎたタスクを1件取り出す。該当がなければポーリングで待機する。
func (q *RedisQueue) Dequeue(ctx context.Context) (domain.Task, error) {
	for {
		result, err := redisPopScript.Run(ctx, q.client, []string{q.key}, q.now().UnixMilli()).Text()
		if err == nil {
			var task domain.Task
			if err := json.Unmarshal([]byte(result), &task); err != nil {
				return domain.Task{}, fmt.Errorf("decoding task: %w", err)
			}
			return task, nil
		}
		if !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return domain.Task{}, ctx.Err()
			}
			return domain.Task{}, fmt.Errorf("dequeueing task: %w", err)
		}

		select {
		case <-time.After(q.pollInterval):
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		}
	}
}

// Len は待機中のタスク数を返す。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// Close はRedisクライアントを閉じる。
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
