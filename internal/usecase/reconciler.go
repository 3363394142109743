package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pdp-submission-service/internal/domain"
)

// staleSweepBatch は1回の掃除で処理する最大件数。
const staleSweepBatch = 100

// ResponseReconciler はPDPの判定を取得し、送信レコードを最終状態へ進める。
type ResponseReconciler struct {
	deps   PipelineDeps
	policy RetryPolicy
	now    func() time.Time
}

// NewResponseReconciler は新しいResponseReconcilerを生成する。
func NewResponseReconciler(deps PipelineDeps, policy RetryPolicy) *ResponseReconciler {
	return &ResponseReconciler{
		deps:   deps,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile はPDPに処理状況を照会し、判定に応じて遷移する。
// 判定待ちの場合は再照会をスケジュールする。
func (r *ResponseReconciler) Reconcile(ctx context.Context, submissionID string) error {
	ctx, span := tracer.Start(ctx, "ResponseReconciler.Reconcile",
		trace.WithAttributes(attribute.String("submission.id", submissionID)))
	defer span.End()

	s, err := r.deps.Submissions.FindBySubmissionID(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("finding submission: %w", err)
	}
	if !s.Status.AwaitingVerdict() {
		slog.InfoContext(ctx, "reconciliation skipped",
			"submission_id", s.SubmissionID,
			"status", s.Status,
		)
		return nil
	}
	if r.isStale(s) {
		return r.failStale(ctx, s)
	}

	if s.Status == domain.SubmissionStatusSubmitted {
		s, err = r.markProcessing(ctx, s)
		if errors.Is(err, domain.ErrStateMismatch) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	endpoint, ok := r.deps.Endpoints[s.Mode]
	if !ok {
		return r.fail(ctx, s, domain.CodeModeUnavailable, fmt.Sprintf("no endpoint configured for mode %q", s.Mode))
	}

	callCtx, cancel := r.callContext(ctx)
	start := time.Now()
	res, err := endpoint.CheckStatus(callCtx, s.ProviderReference)
	cancel()
	r.deps.metrics().ObserveEndpointCall("check_status", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrPermanentSubmission) {
			r.deps.metrics().ObservePoll("error")
			return r.fail(ctx, s, domain.CodeUnknownStatus, fmt.Sprintf("status check refused: %v", err))
		}
		r.deps.metrics().ObservePoll("transport_error")
		if failures := s.PollFailures + 1; r.policy.Exhausted(failures) {
			return r.fail(ctx, s, domain.CodeJobFailed,
				fmt.Sprintf("%v: status check failed %d times in a row: %v", domain.ErrJobFailed, failures, err))
		}
		return r.reschedule(ctx, s, err)
	}

	span.SetAttributes(attribute.String("pdp.verdict", string(res.Status)))
	return r.apply(ctx, s, res)
}

// HandleCallback はPDPから通知された判定を反映する。
func (r *ResponseReconciler) HandleCallback(ctx context.Context, providerRef string, res domain.StatusResult) error {
	ctx, span := tracer.Start(ctx, "ResponseReconciler.HandleCallback",
		trace.WithAttributes(attribute.String("pdp.reference", providerRef)))
	defer span.End()

	s, err := r.deps.Submissions.FindByProviderReference(ctx, providerRef)
	if err != nil {
		return err
	}
	if !s.Status.AwaitingVerdict() {
		slog.InfoContext(ctx, "callback ignored",
			"submission_id", s.SubmissionID,
			"status", s.Status,
		)
		return nil
	}
	if s.Status == domain.SubmissionStatusSubmitted {
		s, err = r.markProcessing(ctx, s)
		if errors.Is(err, domain.ErrStateMismatch) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if res.Status == domain.VerdictProcessing {
		// 判定待ちの通知は記録のみ。スケジュール済みの照会はそのまま
		r.deps.metrics().ObservePoll(string(res.Status))
		return nil
	}
	return r.apply(ctx, s, res)
}

// SweepStale は期限を過ぎても判定のないレコードを失敗させ、件数を返す。
func (r *ResponseReconciler) SweepStale(ctx context.Context) (int, error) {
	if r.policy.StaleAfter <= 0 {
		return 0, nil
	}
	stale, err := r.deps.Submissions.FindStale(ctx, r.now().Add(-r.policy.StaleAfter), staleSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("finding stale submissions: %w", err)
	}
	swept := 0
	for _, s := range stale {
		if err := r.failStale(ctx, s); err != nil {
			slog.ErrorContext(ctx, "failed to expire stale submission",
				"submission_id", s.SubmissionID,
				"error", err,
			)
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.InfoContext(ctx, "stale submissions expired", "count", swept)
	}
	return swept, nil
}

// apply は判定結果に応じた遷移を行う。
func (r *ResponseReconciler) apply(ctx context.Context, s *domain.Submission, res domain.StatusResult) error {
	r.deps.metrics().ObservePoll(string(res.Status))
	switch res.Status {
	case domain.VerdictAccepted:
		return r.resolve(ctx, s, domain.SubmissionStatusAccepted, func(rec *domain.Submission, now time.Time) {
			rec.AcceptedAt = &now
			rec.ErrorMessage = ""
			rec.ErrorCode = ""
		})
	case domain.VerdictRejected:
		code := res.Code
		if code == "" {
			code = domain.CodeSubmissionRefused
		}
		return r.resolve(ctx, s, domain.SubmissionStatusRejected, func(rec *domain.Submission, now time.Time) {
			rec.RejectedAt = &now
			rec.ErrorMessage = res.Message
			rec.ErrorCode = code
		})
	case domain.VerdictProcessing:
		return r.reschedule(ctx, s, nil)
	default:
		return r.fail(ctx, s, domain.CodeUnknownStatus,
			fmt.Sprintf("%v: %q", domain.ErrUnknownVerdict, res.Status))
	}
}

// resolve は最終判定への遷移を行い、勝者のみが通知する。
func (r *ResponseReconciler) resolve(ctx context.Context, s *domain.Submission, to domain.SubmissionStatus, apply func(*domain.Submission, time.Time)) error {
	now := r.now()
	updated, err := r.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From:  []domain.SubmissionStatus{domain.SubmissionStatusProcessing},
		To:    to,
		Apply: func(rec *domain.Submission) { apply(rec, now) },
	})
	if errors.Is(err, domain.ErrStateMismatch) {
		slog.InfoContext(ctx, "verdict already recorded by another worker", "submission_id", s.SubmissionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording verdict: %w", err)
	}
	r.deps.metrics().ObserveTransition(to)
	slog.InfoContext(ctx, "submission resolved",
		"submission_id", updated.SubmissionID,
		"status", updated.Status,
		"poll_count", updated.PollCount,
	)

	doc := resolveForNotification(ctx, r.deps, updated)
	if to == domain.SubmissionStatusAccepted {
		if err := r.deps.Notifier.NotifyAccepted(ctx, updated, doc); err != nil {
			logNotificationFailure(ctx, updated, err)
		}
		return nil
	}
	notifyRejected(ctx, r.deps, updated, doc)
	return nil
}

// reschedule は判定待ちのまま照会回数を加算し、次の照会を登録する。
// cause が nil でなければ通信失敗として連続失敗回数に応じて間隔を延ばす。
func (r *ResponseReconciler) reschedule(ctx context.Context, s *domain.Submission, cause error) error {
	updated, err := r.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From: []domain.SubmissionStatus{domain.SubmissionStatusProcessing},
		To:   domain.SubmissionStatusProcessing,
		Apply: func(rec *domain.Submission) {
			rec.PollCount++
			if cause != nil {
				rec.PollFailures++
			} else {
				rec.PollFailures = 0
			}
		},
	})
	if errors.Is(err, domain.ErrStateMismatch) {
		// 他のワーカーが先に照会を記録した。後続の照会はそちらが登録する
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording poll: %w", err)
	}

	delay := r.policy.ReconcileInterval
	if cause != nil {
		delay = r.policy.PollRetryBackoff(updated.PollFailures)
	}
	attrs := []any{
		"submission_id", updated.SubmissionID,
		"poll_count", updated.PollCount,
		"retry_in", delay.String(),
	}
	if cause != nil {
		attrs = append(attrs, "poll_failures", updated.PollFailures, "error", cause)
		slog.WarnContext(ctx, "status check failed, rescheduled", attrs...)
	} else {
		slog.DebugContext(ctx, "verdict pending, rescheduled", attrs...)
	}
	if err := scheduleTask(ctx, r.deps.Queue, domain.TaskReconcile, updated.SubmissionID, r.now().Add(delay)); err != nil {
		return fmt.Errorf("scheduling reconciliation: %w", err)
	}
	return nil
}

// fail は判定待ちのレコードを恒久的なエラーにする。
func (r *ResponseReconciler) fail(ctx context.Context, s *domain.Submission, code, message string) error {
	now := r.now()
	failed, err := r.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From: []domain.SubmissionStatus{domain.SubmissionStatusSubmitted, domain.SubmissionStatusProcessing},
		To:   domain.SubmissionStatusError,
		Apply: func(rec *domain.Submission) {
			rec.ErrorMessage = message
			rec.ErrorCode = code
			rec.ErroredAt = &now
		},
	})
	if errors.Is(err, domain.ErrStateMismatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording reconciliation failure: %w", err)
	}
	r.deps.metrics().ObserveTransition(domain.SubmissionStatusError)
	slog.WarnContext(ctx, "submission failed during reconciliation",
		"submission_id", s.SubmissionID,
		"error_code", code,
		"error_message", message,
	)
	notifyRejected(ctx, r.deps, failed, resolveForNotification(ctx, r.deps, failed))
	return nil
}

func (r *ResponseReconciler) failStale(ctx context.Context, s *domain.Submission) error {
	return r.fail(ctx, s, domain.CodeStaleProcessing,
		fmt.Sprintf("no verdict received within %s of submission", r.policy.StaleAfter))
}

func (r *ResponseReconciler) isStale(s *domain.Submission) bool {
	if r.policy.StaleAfter <= 0 || s.SubmittedAt == nil {
		return false
	}
	return r.now().Sub(*s.SubmittedAt) > r.policy.StaleAfter
}

func (r *ResponseReconciler) markProcessing(ctx context.Context, s *domain.Submission) (*domain.Submission, error) {
	updated, err := r.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From: []domain.SubmissionStatus{domain.SubmissionStatusSubmitted},
		To:   domain.SubmissionStatusProcessing,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrStateMismatch) {
			err = fmt.Errorf("marking processing: %w", err)
		}
		return nil, err
	}
	r.deps.metrics().ObserveTransition(domain.SubmissionStatusProcessing)
	return updated, nil
}

func (r *ResponseReconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.RequestTimeout)
}

// resolveForNotification は通知文面用に文書を解決する。
// 解決できない場合もレコードの情報から最低限の文書を組み立てる。
func resolveForNotification(ctx context.Context, deps PipelineDeps, s *domain.Submission) *domain.Document {
	doc, err := deps.Documents.Resolve(ctx, s.Document)
	if err == nil {
		return doc
	}
	slog.WarnContext(ctx, "document unavailable for notification",
		"submission_id", s.SubmissionID,
		"document", s.Document.String(),
		"error", err,
	)
	return &domain.Document{Ref: s.Document, Number: s.Document.ID, UserID: s.UserID}
}

// notifyRejected は却下・失敗を通知する。通知の失敗はログのみ。
func notifyRejected(ctx context.Context, deps PipelineDeps, s *domain.Submission, doc *domain.Document) {
	if doc == nil {
		doc = resolveForNotification(ctx, deps, s)
	}
	if err := deps.Notifier.NotifyRejected(ctx, s, doc); err != nil {
		logNotificationFailure(ctx, s, err)
	}
}

func logNotificationFailure(ctx context.Context, s *domain.Submission, err error) {
	slog.ErrorContext(ctx, "failed to deliver notification",
		"submission_id", s.SubmissionID,
		"status", s.Status,
		"error", err,
	)
}
