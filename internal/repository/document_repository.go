package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"pdp-submission-service/internal/domain"
)

// BusinessDocumentModel は業務文書テーブルのモデル。
// 請求書とクレジットノートを種別カラムで区別して1テーブルで扱う。
type BusinessDocumentModel struct {
	Kind           string    `gorm:"type:varchar(16);primaryKey"`
	DocumentID     string    `gorm:"type:varchar(64);primaryKey"`
	Number         string    `gorm:"type:varchar(64);not null"`
	UserID         string    `gorm:"type:varchar(64);not null"`
	RecipientEmail string    `gorm:"type:varchar(255)"`
	ArtifactPath   string    `gorm:"type:varchar(512)"`
	NotifyByEmail  bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (BusinessDocumentModel) TableName() string {
	return "business_documents"
}

func (m *BusinessDocumentModel) toDomain() *domain.Document {
	return &domain.Document{
		Ref:            domain.DocumentRef{Kind: domain.DocumentKind(m.Kind), ID: m.DocumentID},
		Number:         m.Number,
		UserID:         m.UserID,
		RecipientEmail: m.RecipientEmail,
		ArtifactPath:   m.ArtifactPath,
		NotifyByEmail:  m.NotifyByEmail,
	}
}

// DocumentRepository は文書参照を解決する。
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository は新しいDocumentRepositoryを生成する。
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Resolve は文書参照から文書を取得する。種別ごとの分岐はここに閉じる。
func (r *DocumentRepository) Resolve(ctx context.Context, ref domain.DocumentRef) (*domain.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var model BusinessDocumentModel
	err := r.db.WithContext(ctx).
		Where("kind = ? AND document_id = ?", string(ref.Kind), ref.ID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, ref)
		}
		slog.ErrorContext(ctx, "failed to resolve document",
			"operation", "resolve",
			"document", ref.String(),
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}
