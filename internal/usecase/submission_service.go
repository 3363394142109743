package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"pdp-submission-service/internal/domain"
)

// submissionIDPattern は呼び出し側が指定できる送信IDの形式。
var submissionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// NotificationReader はアプリ内通知を参照する。
type NotificationReader interface {
	FindByUserID(ctx context.Context, userID string, limit int) ([]*domain.Notification, error)
}

// CreateSubmissionInput は送信レコード作成の入力。
type CreateSubmissionInput struct {
	// SubmissionID が空の場合は採番する。
	SubmissionID string
	Document     domain.DocumentRef
	UserID       string
	// Mode が空の場合はサービスの既定モードを使う。
	Mode         domain.Mode
	ArtifactPath string
	SigningKeyID string
}

// SubmissionService は送信レコードの登録と参照を提供する。
type SubmissionService struct {
	repo          SubmissionRepository
	documents     DocumentResolver
	queue         TaskQueue
	notifications NotificationReader
	defaultMode   domain.Mode
	maxAttempts   int
	now           func() time.Time
}

// NewSubmissionService は新しいSubmissionServiceを生成する。
func NewSubmissionService(repo SubmissionRepository, documents DocumentResolver, queue TaskQueue, notifications NotificationReader, defaultMode domain.Mode, maxAttempts int) *SubmissionService {
	return &SubmissionService{
		repo:          repo,
		documents:     documents,
		queue:         queue,
		notifications: notifications,
		defaultMode:   defaultMode,
		maxAttempts:   maxAttempts,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GenerateSubmissionID は "SUB-" に続く12文字の送信IDを生成する。
func GenerateSubmissionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating submission id: %w", err)
	}
	return "SUB-" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)[:12], nil
}

// Create は送信レコードを pending で登録し、ディスパッチをスケジュールする。
func (s *SubmissionService) Create(ctx context.Context, in CreateSubmissionInput) (*domain.Submission, error) {
	if err := in.Document.Validate(); err != nil {
		return nil, err
	}
	mode := in.Mode
	if mode == "" {
		mode = s.defaultMode
	}
	if _, err := domain.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if in.SigningKeyID != "" {
		if err := domain.ValidateKeyID(in.SigningKeyID); err != nil {
			return nil, err
		}
	}

	submissionID := in.SubmissionID
	if submissionID == "" {
		id, err := GenerateSubmissionID()
		if err != nil {
			return nil, err
		}
		submissionID = id
	} else if !submissionIDPattern.MatchString(submissionID) {
		return nil, domain.ErrInvalidSubmissionID
	}

	doc, err := s.documents.Resolve(ctx, in.Document)
	if err != nil {
		return nil, fmt.Errorf("resolving document: %w", err)
	}
	userID := in.UserID
	if userID == "" {
		userID = doc.UserID
	}

	sub := &domain.Submission{
		SubmissionID: submissionID,
		Document:     in.Document,
		UserID:       userID,
		Status:       domain.SubmissionStatusPending,
		Mode:         mode,
		ArtifactPath: in.ArtifactPath,
		SigningKeyID: in.SigningKeyID,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating submission: %w", err)
	}

	if err := scheduleTask(ctx, s.queue, domain.TaskDispatch, sub.SubmissionID, s.now()); err != nil {
		// レコードは登録済み。pending のまま残り、回収処理がディスパッチを登録し直す
		slog.WarnContext(ctx, "failed to schedule dispatch",
			"submission_id", sub.SubmissionID,
			"error", err,
		)
		return sub, nil
	}
	slog.InfoContext(ctx, "submission created",
		"submission_id", sub.SubmissionID,
		"document", sub.Document.String(),
		"mode", sub.Mode,
	)
	return sub, nil
}

// Get は送信レコードを取得する。
func (s *SubmissionService) Get(ctx context.Context, submissionID string) (*domain.Submission, error) {
	return s.repo.FindBySubmissionID(ctx, submissionID)
}

// Redispatch は送信レコードのディスパッチを即時にスケジュールする。
// 恒久的に失敗したレコードは再開できず domain.ErrJobFailed を返す。
func (s *SubmissionService) Redispatch(ctx context.Context, submissionID string) (*domain.Submission, error) {
	sub, err := s.repo.FindBySubmissionID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubmissionStatusError && sub.IsTerminal(s.maxAttempts) {
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrJobFailed, sub.SubmissionID, sub.ErrorCode)
	}
	if err := scheduleTask(ctx, s.queue, domain.TaskDispatch, sub.SubmissionID, s.now()); err != nil {
		return nil, fmt.Errorf("scheduling dispatch: %w", err)
	}
	return sub, nil
}

// Notifications は利用者のアプリ内通知を新しい順に返す。
func (s *SubmissionService) Notifications(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.notifications.FindByUserID(ctx, userID, limit)
}
