package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pdp-submission-service/internal/domain"
)

// NotificationModel はアプリ内通知テーブルのモデル。
type NotificationModel struct {
	ID           string     `gorm:"type:char(36);primaryKey"`
	UserID       string     `gorm:"type:varchar(64);not null;index:idx_user_created"`
	SubmissionID string     `gorm:"type:varchar(64);not null"`
	Kind         string     `gorm:"type:varchar(32);not null"`
	Title        string     `gorm:"type:varchar(255);not null"`
	Body         string     `gorm:"type:text"`
	ReadAt       *time.Time `gorm:"type:datetime(6)"`
	CreatedAt    time.Time  `gorm:"type:datetime(6);not null;index:idx_user_created"`
}

// TableName はテーブル名を返す。
func (NotificationModel) TableName() string {
	return "notifications"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *NotificationModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// NotificationRepository はアプリ内通知のデータアクセスを提供する。
type NotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository は新しいNotificationRepositoryを生成する。
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create は通知を保存する。
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	model := &NotificationModel{
		UserID:       n.UserID,
		SubmissionID: n.SubmissionID,
		Kind:         string(n.Kind),
		Title:        n.Title,
		Body:         n.Body,
		CreatedAt:    n.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create notification",
			"operation", "create",
			"submission_id", n.SubmissionID,
			"error", err,
		)
		return err
	}
	n.ID = model.ID
	n.CreatedAt = model.CreatedAt
	return nil
}

// FindByUserID は利用者の通知を新しい順に取得する。
func (r *NotificationRepository) FindByUserID(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find notifications",
			"operation", "find_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}

	notifications := make([]*domain.Notification, len(models))
	for i, m := range models {
		notifications[i] = &domain.Notification{
			ID:           m.ID,
			UserID:       m.UserID,
			SubmissionID: m.SubmissionID,
			Kind:         domain.NotificationKind(m.Kind),
			Title:        m.Title,
			Body:         m.Body,
			ReadAt:       m.ReadAt,
			CreatedAt:    m.CreatedAt,
		}
	}
	return notifications, nil
}
