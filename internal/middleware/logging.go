// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	Subject   string `json:"subject"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。subject は鍵IDや送信IDなど操作対象の識別子。
func WriteAuditLog(ctx context.Context, operation string, subject string, result string) {
	entry := AuditLog{
		Operation: operation,
		Subject:   subject,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	level := slog.LevelInfo
	if entry.Result != ResultSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "audited operation completed",
		"operation", entry.Operation,
		"subject", entry.Subject,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
	)
}
