// Package notify は送信結果の利用者通知を提供する。
//
// 通知はベストエフォートで、失敗しても送信レコードの状態には影響しない。
package notify

import (
	"fmt"

	"pdp-submission-service/internal/domain"
)

// message は通知の件名と本文。
type message struct {
	kind  domain.NotificationKind
	title string
	body  string
}

func acceptedMessage(s *domain.Submission, doc *domain.Document) message {
	return message{
		kind:  domain.NotificationAccepted,
		title: fmt.Sprintf("%s accepted by the PDP", doc.Label()),
		body: fmt.Sprintf("%s (submission %s) was accepted by the platform. Provider reference: %s.",
			doc.Label(), s.SubmissionID, s.ProviderReference),
	}
}

func rejectedMessage(s *domain.Submission, doc *domain.Document) message {
	reason := s.ErrorMessage
	if reason == "" {
		reason = "no reason given"
	}
	if s.ErrorCode != "" {
		reason = fmt.Sprintf("%s [%s]", reason, s.ErrorCode)
	}
	return message{
		kind:  domain.NotificationRejected,
		title: fmt.Sprintf("%s was not accepted", doc.Label()),
		body: fmt.Sprintf("%s (submission %s) could not be delivered or was rejected: %s.",
			doc.Label(), s.SubmissionID, reason),
	}
}
