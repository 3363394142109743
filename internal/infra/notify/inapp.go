package notify

import (
	"context"
	"fmt"

	"pdp-submission-service/internal/domain"
)

// NotificationStore はアプリ内通知の保存先を抽象化する。
type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
}

// InApp は通知テーブルに行を追加する NotificationSink。
type InApp struct {
	store NotificationStore
}

// NewInApp は新しい InApp を生成する。
func NewInApp(store NotificationStore) *InApp {
	return &InApp{store: store}
}

// NotifyAccepted は受理通知を保存する。
func (n *InApp) NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	return n.save(ctx, s, doc, acceptedMessage(s, doc))
}

// NotifyRejected は却下・失敗通知を保存する。
func (n *InApp) NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	return n.save(ctx, s, doc, rejectedMessage(s, doc))
}

func (n *InApp) save(ctx context.Context, s *domain.Submission, doc *domain.Document, m message) error {
	userID := doc.UserID
	if userID == "" {
		userID = s.UserID
	}
	err := n.store.Create(ctx, &domain.Notification{
		UserID:       userID,
		SubmissionID: s.SubmissionID,
		Kind:         m.kind,
		Title:        m.title,
		Body:         m.body,
	})
	if err != nil {
		return fmt.Errorf("saving in-app notification: %w", err)
	}
	return nil
}
