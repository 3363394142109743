package notify

import (
	"context"
	"errors"

	"pdp-submission-service/internal/domain"
)

// Sink は送信結果の通知先。
type Sink interface {
	NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error
	NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error
}

// Composite は複数の通知先へ順に通知する。
// ある通知先の失敗で他の通知先を止めない。
type Composite []Sink

// NotifyAccepted はすべての通知先に受理を通知する。
func (c Composite) NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	var errs []error
	for _, sink := range c {
		if err := sink.NotifyAccepted(ctx, s, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyRejected はすべての通知先に却下を通知する。
func (c Composite) NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	var errs []error
	for _, sink := range c {
		if err := sink.NotifyRejected(ctx, s, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
