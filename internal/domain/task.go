package domain

import "time"

// TaskKind は遅延タスクの種別を表す。
type TaskKind string

const (
	// TaskDispatch は送信レコードのディスパッチ。
	TaskDispatch TaskKind = "dispatch"
	// TaskReconcile はPDPへの状態照会。
	TaskReconcile TaskKind = "reconcile"
)

// DefaultLane は送信パイプラインのキューレーン名。
const DefaultLane = "pdp-high"

// Task は実行予定時刻を持つ作業単位。
type Task struct {
	ID           string    `json:"id"`
	Kind         TaskKind  `json:"kind"`
	SubmissionID string    `json:"submission_id"`
	Lane         string    `json:"lane"`
	RunAt        time.Time `json:"run_at"`
}
