package repository

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// :memory: は接続ごとに別のDBになるため1接続に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// SQLite用にMySQLの型をTEXT/INTEGERへ置き換えたスキーマ
	statements := []string{
		`CREATE TABLE submissions (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL UNIQUE,
			document_kind TEXT NOT NULL,
			document_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			provider_reference TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			poll_count INTEGER NOT NULL DEFAULT 0,
			poll_failures INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			error_code TEXT,
			artifact_path TEXT,
			original_filename TEXT,
			artifact_size INTEGER NOT NULL DEFAULT 0,
			artifact_hash TEXT,
			signing_key_id TEXT,
			signature TEXT,
			submitted_at DATETIME,
			accepted_at DATETIME,
			rejected_at DATETIME,
			errored_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE signing_keys (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL UNIQUE,
			algorithm TEXT NOT NULL,
			key_size INTEGER NOT NULL,
			backend TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			public_key_pem TEXT NOT NULL,
			certificate_pem TEXT,
			encrypted_private_key BLOB,
			provider_ref TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			submission_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			read_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE business_documents (
			kind TEXT NOT NULL,
			document_id TEXT NOT NULL,
			number TEXT NOT NULL,
			user_id TEXT NOT NULL,
			recipient_email TEXT,
			artifact_path TEXT,
			notify_by_email INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (kind, document_id)
		)`,
		`CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}

	return db
}
