package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pdp-submission-service/internal/domain"
)

var tracer = otel.Tracer("pdp-submission-service/internal/usecase")

// DispatchOptions は成果物署名の設定。
type DispatchOptions struct {
	SignArtifacts bool
	// SigningKeyID はレコードに鍵IDがない場合に使う鍵。
	SigningKeyID string
	Algorithm    domain.SignatureAlgorithm
}

// SubmissionDispatcher は送信レコードの成果物をPDPへ送信する。
type SubmissionDispatcher struct {
	deps   PipelineDeps
	policy RetryPolicy
	opts   DispatchOptions
	now    func() time.Time
}

// NewSubmissionDispatcher は新しいSubmissionDispatcherを生成する。
func NewSubmissionDispatcher(deps PipelineDeps, policy RetryPolicy, opts DispatchOptions) *SubmissionDispatcher {
	if opts.Algorithm == "" {
		opts.Algorithm = domain.RS256
	}
	return &SubmissionDispatcher{
		deps:   deps,
		policy: policy,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// 送信成功の記録に失敗した場合の再試行回数と間隔。
const successWriteAttempts = 3

var successWriteBackoff = 100 * time.Millisecond

// dispatchError は送信失敗の分類。
// transmitted はPDPが受理した後に記録だけが失敗したことを示す。
type dispatchError struct {
	code        string
	permanent   bool
	transmitted bool
	err         error
}

func (e *dispatchError) Error() string { return e.err.Error() }

func (e *dispatchError) Unwrap() error { return e.err }

func permanentFailure(code string, err error) *dispatchError {
	return &dispatchError{code: code, permanent: true, err: err}
}

func retryableFailure(code string, err error) *dispatchError {
	return &dispatchError{code: code, err: err}
}

// classifyTransportError はPDP呼び出しのエラーを分類する。
// タイムアウトは一時的な障害として扱う。
func classifyTransportError(err error) *dispatchError {
	switch {
	case errors.Is(err, domain.ErrPermanentSubmission):
		return permanentFailure(domain.CodeSubmissionRefused, err)
	case errors.Is(err, domain.ErrTransientTransport), errors.Is(err, context.DeadlineExceeded):
		return retryableFailure(domain.CodeTransportError, err)
	default:
		return retryableFailure(domain.CodeInternalError, err)
	}
}

func classifySigningError(err error) *dispatchError {
	wrapped := fmt.Errorf("signing artifact: %w", err)
	switch {
	case errors.Is(err, domain.ErrKeyNotFound), errors.Is(err, domain.ErrUnsupportedAlgorithm),
		errors.Is(err, domain.ErrInvalidKeyID):
		return permanentFailure(domain.CodeSigningError, wrapped)
	default:
		return retryableFailure(domain.CodeSigningError, wrapped)
	}
}

// Dispatch は送信レコードを1回だけ送信する。
//
// 失敗はレコードに記録され、リトライ可能なら再送をスケジュールする。
// 戻り値のエラーはレコードへの記録自体ができなかった場合のみ返す。
func (d *SubmissionDispatcher) Dispatch(ctx context.Context, submissionID string) error {
	ctx, span := tracer.Start(ctx, "SubmissionDispatcher.Dispatch",
		trace.WithAttributes(attribute.String("submission.id", submissionID)))
	defer span.End()

	s, err := d.deps.Submissions.FindBySubmissionID(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("finding submission: %w", err)
	}

	if skip, reason := d.shouldSkip(s); skip {
		slog.InfoContext(ctx, "dispatch skipped",
			"submission_id", s.SubmissionID,
			"status", s.Status,
			"reason", reason,
		)
		d.deps.metrics().ObserveDispatch("skipped")
		return nil
	}

	// 送信権の獲得。他のワーカーが先行した場合は何もしない
	claimed, err := d.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From: []domain.SubmissionStatus{domain.SubmissionStatusPending, domain.SubmissionStatusError},
		To:   domain.SubmissionStatusSubmitting,
		Apply: func(r *domain.Submission) {
			r.Attempts++
			r.ErrorMessage = ""
			r.ErrorCode = ""
			r.ErroredAt = nil
		},
	})
	if errors.Is(err, domain.ErrStateMismatch) {
		slog.InfoContext(ctx, "dispatch claim lost", "submission_id", s.SubmissionID)
		d.deps.metrics().ObserveDispatch("skipped")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claiming submission: %w", err)
	}
	d.deps.metrics().ObserveTransition(domain.SubmissionStatusSubmitting)
	span.SetAttributes(attribute.Int("submission.attempt", claimed.Attempts))

	doc, derr := d.transmit(ctx, claimed)
	if derr != nil {
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.code)
		if derr.transmitted {
			// 再送すると二重送信になるため submitting のまま残し、運用者の確認を待つ
			slog.ErrorContext(ctx, "submission transmitted but not recorded",
				"submission_id", claimed.SubmissionID,
				"attempt", claimed.Attempts,
				"error", derr.err,
			)
			d.deps.metrics().ObserveDispatch("unrecorded")
			return derr
		}
		return d.recordFailure(ctx, claimed, doc, derr)
	}
	return nil
}

// orphanSweepBatch は1回の回収で登録し直す最大件数。
const orphanSweepBatch = 100

// RequeueOrphaned はディスパッチのタスクを失った送信前のレコードを登録し直し、件数を返す。
// 対象は OrphanAfter 以上更新のない pending と再送可能な error。
// 送信権は Dispatch が取得するため、タスクが重複しても二重送信にはならない。
func (d *SubmissionDispatcher) RequeueOrphaned(ctx context.Context) (int, error) {
	if d.policy.OrphanAfter <= 0 {
		return 0, nil
	}
	now := d.now()
	orphaned, err := d.deps.Submissions.FindOrphaned(ctx, now.Add(-d.policy.OrphanAfter), d.policy.MaxAttempts, orphanSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("finding orphaned submissions: %w", err)
	}
	requeued := 0
	for _, s := range orphaned {
		if err := scheduleTask(ctx, d.deps.Queue, domain.TaskDispatch, s.SubmissionID, now); err != nil {
			slog.ErrorContext(ctx, "failed to requeue orphaned submission",
				"submission_id", s.SubmissionID,
				"error", err,
			)
			continue
		}
		slog.WarnContext(ctx, "orphaned submission requeued",
			"submission_id", s.SubmissionID,
			"status", s.Status,
			"attempts", s.Attempts,
		)
		requeued++
	}
	return requeued, nil
}

// shouldSkip は送信不要なレコードかを判定する。
func (d *SubmissionDispatcher) shouldSkip(s *domain.Submission) (bool, string) {
	switch {
	case s.Status.InFlightOrResolved():
		return true, "already submitted"
	case s.Status == domain.SubmissionStatusSubmitting:
		return true, "dispatch in progress"
	case s.IsTerminal(d.policy.MaxAttempts):
		return true, "permanently failed"
	}
	return false, ""
}

// transmit は成果物を準備してPDPへ送信し、成功時の遷移まで行う。
func (d *SubmissionDispatcher) transmit(ctx context.Context, s *domain.Submission) (*domain.Document, *dispatchError) {
	endpoint, ok := d.deps.Endpoints[s.Mode]
	if !ok {
		return nil, permanentFailure(domain.CodeModeUnavailable,
			fmt.Errorf("no endpoint configured for mode %q", s.Mode))
	}

	doc, err := d.deps.Documents.Resolve(ctx, s.Document)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) || errors.Is(err, domain.ErrInvalidDocumentRef) {
			return nil, permanentFailure(domain.CodeDocumentNotFound, err)
		}
		return nil, retryableFailure(domain.CodeInternalError, fmt.Errorf("resolving document: %w", err))
	}

	path := s.ArtifactPath
	if path == "" {
		path, err = d.deps.Assembler.ProduceArtifact(ctx, s.Document)
		if err != nil {
			return doc, retryableFailure(domain.CodeArtifactError, fmt.Errorf("producing artifact: %w", err))
		}
	}
	data, err := d.deps.Artifacts.Read(ctx, path)
	if err != nil {
		return doc, retryableFailure(domain.CodeArtifactError, fmt.Errorf("reading artifact: %w", err))
	}
	sum := sha256.Sum256(data)
	s.ArtifactPath = path
	s.ArtifactHash = hex.EncodeToString(sum[:])
	s.ArtifactSize = int64(len(data))
	if s.OriginalFilename == "" {
		s.OriginalFilename = filepath.Base(path)
	}

	dup, err := d.deps.Submissions.FindInFlightByArtifactHash(ctx, s.ArtifactHash, s.SubmissionID)
	if err != nil {
		return doc, retryableFailure(domain.CodeInternalError, fmt.Errorf("checking duplicates: %w", err))
	}
	if dup != nil {
		return doc, permanentFailure(domain.CodeDuplicateSubmission,
			fmt.Errorf("identical artifact already submitted by %s (%s)", dup.SubmissionID, dup.Status))
	}

	if derr := d.sign(ctx, s, data); derr != nil {
		return doc, derr
	}

	meta := domain.SubmissionMeta{
		SubmissionID:     s.SubmissionID,
		DocumentKind:     string(s.Document.Kind),
		DocumentNumber:   doc.Number,
		OriginalFilename: s.OriginalFilename,
		ArtifactHash:     s.ArtifactHash,
		SigningKeyID:     s.SigningKeyID,
		Signature:        s.Signature,
	}
	callCtx, cancel := d.callContext(ctx)
	start := time.Now()
	res, err := endpoint.Submit(callCtx, data, meta)
	cancel()
	d.deps.metrics().ObserveEndpointCall("submit", time.Since(start), err)
	if err != nil {
		return doc, classifyTransportError(err)
	}
	if !res.Accepted {
		return doc, permanentFailure(domain.CodeSubmissionRefused,
			fmt.Errorf("%w: %s", domain.ErrPermanentSubmission, res.Message))
	}

	if err := d.recordSuccess(ctx, s, res); err != nil {
		return doc, &dispatchError{code: domain.CodeInternalError, transmitted: true, err: err}
	}
	return doc, nil
}

// sign は設定に応じて成果物に署名する。
func (d *SubmissionDispatcher) sign(ctx context.Context, s *domain.Submission, data []byte) *dispatchError {
	keyID := s.SigningKeyID
	if keyID == "" && d.opts.SignArtifacts {
		keyID = d.opts.SigningKeyID
	}
	if keyID == "" {
		return nil
	}
	if d.deps.Signer == nil {
		return permanentFailure(domain.CodeSigningError, errors.New("artifact signing requested but no signing provider is configured"))
	}
	signature, err := d.deps.Signer.Sign(ctx, data, keyID, d.opts.Algorithm)
	d.deps.metrics().ObserveSigning(err)
	if err != nil {
		return classifySigningError(err)
	}
	s.SigningKeyID = keyID
	s.Signature = signature
	return nil
}

// recordSuccess は送信成功を記録し、最初の状態照会をスケジュールする。
// 本番モードは即座に processing へ進め、シミュレーションモードは submitted のまま照会を待つ。
func (d *SubmissionDispatcher) recordSuccess(ctx context.Context, s *domain.Submission, res domain.SubmitResult) error {
	now := d.now()
	if err := d.markSubmitted(ctx, s, res, now); err != nil {
		return fmt.Errorf("recording transmission (provider reference %q): %w", res.ProviderReference, err)
	}
	d.deps.metrics().ObserveTransition(domain.SubmissionStatusSubmitted)

	delay := d.policy.SimulationDelay
	if s.Mode == domain.ModeProduction {
		if _, err := d.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
			From: []domain.SubmissionStatus{domain.SubmissionStatusSubmitted},
			To:   domain.SubmissionStatusProcessing,
		}); err != nil {
			// submitted のままでも最初の照会で processing へ進む
			slog.WarnContext(ctx, "failed to mark submission processing",
				"submission_id", s.SubmissionID,
				"error", err,
			)
		} else {
			d.deps.metrics().ObserveTransition(domain.SubmissionStatusProcessing)
		}
		delay = d.policy.ReconcileInterval
	}

	slog.InfoContext(ctx, "submission transmitted",
		"submission_id", s.SubmissionID,
		"provider_reference", res.ProviderReference,
		"mode", s.Mode,
		"attempt", s.Attempts,
	)
	d.deps.metrics().ObserveDispatch("submitted")

	if err := scheduleTask(ctx, d.deps.Queue, domain.TaskReconcile, s.SubmissionID, now.Add(delay)); err != nil {
		// 送信は成立しているため失敗扱いにはしない。期限切れ掃除で回収される
		slog.ErrorContext(ctx, "failed to schedule reconciliation",
			"submission_id", s.SubmissionID,
			"error", err,
		)
	}
	return nil
}

// markSubmitted は submitting → submitted を記録する。
// PDPは既に受理しているため、書き込みの一時的な失敗は数回やり直す。
func (d *SubmissionDispatcher) markSubmitted(ctx context.Context, s *domain.Submission, res domain.SubmitResult, now time.Time) error {
	for attempt := 1; ; attempt++ {
		_, err := d.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
			From: []domain.SubmissionStatus{domain.SubmissionStatusSubmitting},
			To:   domain.SubmissionStatusSubmitted,
			Apply: func(r *domain.Submission) {
				r.ProviderReference = res.ProviderReference
				r.SubmittedAt = &now
				r.ArtifactPath = s.ArtifactPath
				r.ArtifactHash = s.ArtifactHash
				r.ArtifactSize = s.ArtifactSize
				r.OriginalFilename = s.OriginalFilename
				r.SigningKeyID = s.SigningKeyID
				r.Signature = s.Signature
			},
		})
		if err == nil || errors.Is(err, domain.ErrStateMismatch) || attempt == successWriteAttempts {
			return err
		}
		slog.WarnContext(ctx, "failed to record transmission, retrying",
			"submission_id", s.SubmissionID,
			"provider_reference", res.ProviderReference,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(time.Duration(attempt) * successWriteBackoff):
		case <-ctx.Done():
			return err
		}
	}
}

// recordFailure は失敗をレコードに記録し、再送か恒久的失敗の通知を行う。
func (d *SubmissionDispatcher) recordFailure(ctx context.Context, s *domain.Submission, doc *domain.Document, derr *dispatchError) error {
	exhausted := d.policy.Exhausted(s.Attempts)
	final := derr.permanent || exhausted
	code := derr.code
	message := derr.Error()
	if exhausted && !derr.permanent {
		code = domain.CodeJobFailed
		message = fmt.Sprintf("%v after %d attempts: %s", domain.ErrJobFailed, s.Attempts, message)
	}

	now := d.now()
	failed, err := d.deps.Submissions.Transition(ctx, s.SubmissionID, domain.Transition{
		From: []domain.SubmissionStatus{domain.SubmissionStatusSubmitting},
		To:   domain.SubmissionStatusError,
		Apply: func(r *domain.Submission) {
			r.ErrorMessage = message
			r.ErrorCode = code
			r.ErroredAt = &now
			if s.ArtifactHash != "" {
				r.ArtifactPath = s.ArtifactPath
				r.ArtifactHash = s.ArtifactHash
				r.ArtifactSize = s.ArtifactSize
				r.OriginalFilename = s.OriginalFilename
			}
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record dispatch failure",
			"submission_id", s.SubmissionID,
			"error_code", code,
			"error", err,
		)
		return fmt.Errorf("recording dispatch failure: %w", err)
	}
	d.deps.metrics().ObserveTransition(domain.SubmissionStatusError)

	if final {
		slog.WarnContext(ctx, "submission permanently failed",
			"submission_id", s.SubmissionID,
			"attempt", s.Attempts,
			"error_code", code,
			"error", derr.err,
		)
		d.deps.metrics().ObserveDispatch("failed")
		notifyRejected(ctx, d.deps, failed, doc)
		return nil
	}

	delay := d.policy.DispatchBackoff(s.Attempts)
	slog.WarnContext(ctx, "dispatch failed, retry scheduled",
		"submission_id", s.SubmissionID,
		"attempt", s.Attempts,
		"error_code", code,
		"retry_in", delay.String(),
		"error", derr.err,
	)
	d.deps.metrics().ObserveDispatch("retry")
	if err := scheduleTask(ctx, d.deps.Queue, domain.TaskDispatch, s.SubmissionID, now.Add(delay)); err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

func (d *SubmissionDispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.policy.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.policy.RequestTimeout)
}

// scheduleTask は送信パイプラインのレーンにタスクを登録する。
func scheduleTask(ctx context.Context, q TaskQueue, kind domain.TaskKind, submissionID string, runAt time.Time) error {
	return q.Enqueue(ctx, domain.Task{
		ID:           uuid.New().String(),
		Kind:         kind,
		SubmissionID: submissionID,
		Lane:         domain.DefaultLane,
		RunAt:        runAt,
	}, runAt)
}
