package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending  MigrationStatus = "pending"
	MigrationStatusApplied  MigrationStatus = "applied"
	MigrationStatusModified MigrationStatus = "modified"
)

// Migration はデータベースマイグレーションを表すドメインモデル
type Migration struct {
	Version   string     // 例: "001"
	Name      string     // ファイル名から抽出
	Checksum  string     // ファイル内容のSHA-256（16進）
	AppliedAt *time.Time // 未適用の場合はnil
	FilePath  string
	Status    MigrationStatus
}
