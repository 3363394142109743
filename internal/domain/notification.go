package domain

import "time"

// NotificationKind は通知の種別を表す。
type NotificationKind string

const (
	NotificationAccepted NotificationKind = "submission_accepted"
	NotificationRejected NotificationKind = "submission_rejected"
)

// Notification は利用者へのアプリ内通知。
type Notification struct {
	ID           string
	UserID       string
	SubmissionID string
	Kind         NotificationKind
	Title        string
	Body         string
	ReadAt       *time.Time
	CreatedAt    time.Time
}
