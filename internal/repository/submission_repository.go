package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pdp-submission-service/internal/domain"
)

// SubmissionModel はgorm用のモデル定義。Version は条件付き更新のたびに加算される。
type SubmissionModel struct {
	ID                string     `gorm:"type:char(36);primaryKey"`
	SubmissionID      string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_submission_id"`
	DocumentKind      string     `gorm:"type:varchar(16);not null;index:idx_document"`
	DocumentID        string     `gorm:"type:varchar(64);not null;index:idx_document"`
	UserID            string     `gorm:"type:varchar(64);not null"`
	Status            string     `gorm:"type:varchar(16);not null;index:idx_status_submitted;index:idx_status_updated"`
	Mode              string     `gorm:"type:varchar(16);not null"`
	ProviderReference string     `gorm:"type:varchar(128);index:idx_provider_reference"`
	Attempts          int        `gorm:"not null;default:0"`
	PollCount         int        `gorm:"not null;default:0"`
	PollFailures      int        `gorm:"not null;default:0"`
	Version           int        `gorm:"not null;default:0"`
	ErrorMessage      string     `gorm:"type:text"`
	ErrorCode         string     `gorm:"type:varchar(64)"`
	ArtifactPath      string     `gorm:"type:varchar(512)"`
	OriginalFilename  string     `gorm:"type:varchar(255)"`
	ArtifactSize      int64      `gorm:"not null;default:0"`
	ArtifactHash      string     `gorm:"type:char(64);index:idx_artifact_hash"`
	SigningKeyID      string     `gorm:"type:varchar(128)"`
	Signature         string     `gorm:"type:text"`
	SubmittedAt       *time.Time `gorm:"type:datetime(6);index:idx_status_submitted"`
	AcceptedAt        *time.Time `gorm:"type:datetime(6)"`
	RejectedAt        *time.Time `gorm:"type:datetime(6)"`
	ErroredAt         *time.Time `gorm:"type:datetime(6)"`
	CreatedAt         time.Time  `gorm:"type:datetime(6);not null"`
	UpdatedAt         time.Time  `gorm:"type:datetime(6);not null;index:idx_status_updated"`
}

// TableName はテーブル名を返す。
func (SubmissionModel) TableName() string {
	return "submissions"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SubmissionModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SubmissionModel) toDomain() *domain.Submission {
	return &domain.Submission{
		ID:                m.ID,
		SubmissionID:      m.SubmissionID,
		Document:          domain.DocumentRef{Kind: domain.DocumentKind(m.DocumentKind), ID: m.DocumentID},
		UserID:            m.UserID,
		Status:            domain.SubmissionStatus(m.Status),
		Mode:              domain.Mode(m.Mode),
		ProviderReference: m.ProviderReference,
		Attempts:          m.Attempts,
		PollCount:         m.PollCount,
		PollFailures:      m.PollFailures,
		ErrorMessage:      m.ErrorMessage,
		ErrorCode:         m.ErrorCode,
		ArtifactPath:      m.ArtifactPath,
		OriginalFilename:  m.OriginalFilename,
		ArtifactSize:      m.ArtifactSize,
		ArtifactHash:      m.ArtifactHash,
		SigningKeyID:      m.SigningKeyID,
		Signature:         m.Signature,
		SubmittedAt:       m.SubmittedAt,
		AcceptedAt:        m.AcceptedAt,
		RejectedAt:        m.RejectedAt,
		ErroredAt:         m.ErroredAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toSubmissionModel(s *domain.Submission) *SubmissionModel {
	return &SubmissionModel{
		ID:                s.ID,
		SubmissionID:      s.SubmissionID,
		DocumentKind:      string(s.Document.Kind),
		DocumentID:        s.Document.ID,
		UserID:            s.UserID,
		Status:            string(s.Status),
		Mode:              string(s.Mode),
		ProviderReference: s.ProviderReference,
		Attempts:          s.Attempts,
		PollCount:         s.PollCount,
		PollFailures:      s.PollFailures,
		ErrorMessage:      s.ErrorMessage,
		ErrorCode:         s.ErrorCode,
		ArtifactPath:      s.ArtifactPath,
		OriginalFilename:  s.OriginalFilename,
		ArtifactSize:      s.ArtifactSize,
		ArtifactHash:      s.ArtifactHash,
		SigningKeyID:      s.SigningKeyID,
		Signature:         s.Signature,
		SubmittedAt:       s.SubmittedAt,
		AcceptedAt:        s.AcceptedAt,
		RejectedAt:        s.RejectedAt,
		ErroredAt:         s.ErroredAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// SubmissionRepository は送信レコードのデータアクセスを提供する。
type SubmissionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSubmissionRepository は新しいSubmissionRepositoryを生成する。
func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db, now: time.Now}
}

// Create は送信レコードを作成する。
func (r *SubmissionRepository) Create(ctx context.Context, s *domain.Submission) error {
	now := r.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	model := toSubmissionModel(s)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrSubmissionAlreadyExists
		}
		slog.ErrorContext(ctx, "failed to create submission",
			"operation", "create",
			"submission_id", s.SubmissionID,
			"error", err,
		)
		return err
	}
	s.ID = model.ID
	return nil
}

// FindBySubmissionID は外部送信IDでレコードを取得する。
func (r *SubmissionRepository) FindBySubmissionID(ctx context.Context, submissionID string) (*domain.Submission, error) {
	var model SubmissionModel
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubmissionNotFound
		}
		slog.ErrorContext(ctx, "failed to find submission",
			"operation", "find_by_submission_id",
			"submission_id", submissionID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByProviderReference はPDPの参照番号でレコードを取得する。
func (r *SubmissionRepository) FindByProviderReference(ctx context.Context, providerReference string) (*domain.Submission, error) {
	if providerReference == "" {
		return nil, domain.ErrSubmissionNotFound
	}
	var model SubmissionModel
	err := r.db.WithContext(ctx).
		Where("provider_reference = ?", providerReference).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubmissionNotFound
		}
		slog.ErrorContext(ctx, "failed to find submission by provider reference",
			"operation", "find_by_provider_reference",
			"provider_reference", providerReference,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

var inFlightOrResolved = []string{
	string(domain.SubmissionStatusSubmitted),
	string(domain.SubmissionStatusProcessing),
	string(domain.SubmissionStatusAccepted),
	string(domain.SubmissionStatusRejected),
}

// FindInFlightByArtifactHash は同じ成果物ハッシュで既に送信済みの別レコードを返す。
// 該当がなければ nil を返す。
func (r *SubmissionRepository) FindInFlightByArtifactHash(ctx context.Context, artifactHash, excludeSubmissionID string) (*domain.Submission, error) {
	var models []SubmissionModel
	err := r.db.WithContext(ctx).
		Where("artifact_hash = ? AND submission_id <> ? AND status IN ?", artifactHash, excludeSubmissionID, inFlightOrResolved).
		Order("created_at ASC").
		Limit(1).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find submission by artifact hash",
			"operation", "find_in_flight_by_artifact_hash",
			"error", err,
		)
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	return models[0].toDomain(), nil
}

// FindStale は submitted_at が before より古い判定待ちのレコードを返す。
func (r *SubmissionRepository) FindStale(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error) {
	var models []SubmissionModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND submitted_at < ?", []string{
			string(domain.SubmissionStatusSubmitted),
			string(domain.SubmissionStatusProcessing),
		}, before).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find stale submissions",
			"operation", "find_stale",
			"error", err,
		)
		return nil, err
	}

	submissions := make([]*domain.Submission, len(models))
	for i := range models {
		submissions[i] = models[i].toDomain()
	}
	return submissions, nil
}

// FindOrphaned は updated_at が before より古く、実行予定のタスクを失った可能性がある
// pending と再送可能な error のレコードを返す。
func (r *SubmissionRepository) FindOrphaned(ctx context.Context, before time.Time, maxAttempts, limit int) ([]*domain.Submission, error) {
	var models []SubmissionModel
	err := r.db.WithContext(ctx).
		Where("updated_at < ?", before).
		Where(r.db.Where("status = ?", string(domain.SubmissionStatusPending)).
			Or("status = ? AND attempts < ? AND (error_code IS NULL OR error_code NOT IN ?)",
				string(domain.SubmissionStatusError), maxAttempts, domain.PermanentErrorCodes)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find orphaned submissions",
			"operation", "find_orphaned",
			"error", err,
		)
		return nil, err
	}

	submissions := make([]*domain.Submission, len(models))
	for i := range models {
		submissions[i] = models[i].toDomain()
	}
	return submissions, nil
}

// Transition は条件付き更新で状態遷移する。
// 現在の状態が t.From に含まれない場合、または読み取り後に他のワーカーが更新した場合は
// domain.ErrStateMismatch を返し、何も書き込まない。
// 同じ状態への遷移でも version が一致しなければ書き込まない。
func (r *SubmissionRepository) Transition(ctx context.Context, submissionID string, t domain.Transition) (*domain.Submission, error) {
	var model SubmissionModel
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubmissionNotFound
		}
		slog.ErrorContext(ctx, "failed to find submission",
			"operation", "transition",
			"submission_id", submissionID,
			"error", err,
		)
		return nil, err
	}
	current := model.toDomain()
	if !statusIn(current.Status, t.From) {
		return nil, domain.ErrStateMismatch
	}

	next := *current
	next.Status = t.To
	if t.Apply != nil {
		t.Apply(&next)
	}
	next.UpdatedAt = r.now().UTC()

	result := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("submission_id = ? AND status = ? AND version = ?", submissionID, string(current.Status), model.Version).
		Updates(map[string]any{
			"status":             string(next.Status),
			"provider_reference": next.ProviderReference,
			"attempts":           next.Attempts,
			"poll_count":         next.PollCount,
			"poll_failures":      next.PollFailures,
			"version":            model.Version + 1,
			"error_message":      next.ErrorMessage,
			"error_code":         next.ErrorCode,
			"artifact_path":      next.ArtifactPath,
			"original_filename":  next.OriginalFilename,
			"artifact_size":      next.ArtifactSize,
			"artifact_hash":      next.ArtifactHash,
			"signing_key_id":     next.SigningKeyID,
			"signature":          next.Signature,
			"submitted_at":       next.SubmittedAt,
			"accepted_at":        next.AcceptedAt,
			"rejected_at":        next.RejectedAt,
			"errored_at":         next.ErroredAt,
			"updated_at":         next.UpdatedAt,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to transition submission",
			"operation", "transition",
			"submission_id", submissionID,
			"from", current.Status,
			"to", t.To,
			"error", result.Error,
		)
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrStateMismatch
	}
	return &next, nil
}

func statusIn(s domain.SubmissionStatus, set []domain.SubmissionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
