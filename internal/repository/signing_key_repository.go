// Package repository はデータアクセス層の実装を提供する。
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

// SigningKeyModel はgorm用のモデル定義。
type SigningKeyModel struct {
	ID                  string    `gorm:"type:char(36);primaryKey"`
	KeyID               string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_key_id"`
	Algorithm           string    `gorm:"type:varchar(16);not null"`
	KeySize             int       `gorm:"not null"`
	Backend             string    `gorm:"type:varchar(16);not null;index:idx_backend"`
	Status              string    `gorm:"type:varchar(16);not null;default:'active'"`
	PublicKeyPEM        string    `gorm:"column:public_key_pem;type:text;not null"`
	CertificatePEM      string    `gorm:"column:certificate_pem;type:text"`
	EncryptedPrivateKey []byte    `gorm:"type:blob"`
	ProviderRef         string    `gorm:"type:varchar(512)"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (SigningKeyModel) TableName() string {
	return "signing_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SigningKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (m *SigningKeyModel) toDomain() *domain.KeyMaterial {
	return &domain.KeyMaterial{
		KeyID:               m.KeyID,
		Algorithm:           domain.KeyAlgorithm(m.Algorithm),
		KeySize:             m.KeySize,
		Backend:             domain.Backend(m.Backend),
		Status:              domain.KeyStatus(m.Status),
		PublicKeyPEM:        m.PublicKeyPEM,
		CertificatePEM:      m.CertificatePEM,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		ProviderRef:         m.ProviderRef,
		CreatedAt:           m.CreatedAt,
	}
}

// SigningKeyRepository はデータベースを鍵ストアとして提供する。
type SigningKeyRepository struct {
	db *gorm.DB
}

// NewSigningKeyRepository は新しいSigningKeyRepositoryを生成する。
func NewSigningKeyRepository(db *gorm.DB) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

// Put は新しい鍵を保存する。
func (r *SigningKeyRepository) Put(ctx context.Context, m *domain.KeyMaterial) error {
	exists, err := r.Exists(ctx, m.KeyID)
	if err != nil {
		return err
	}
	if exists {
		return domain.ErrKeyAlreadyExists
	}

	model := &SigningKeyModel{
		KeyID:               m.KeyID,
		Algorithm:           string(m.Algorithm),
		KeySize:             m.KeySize,
		Backend:             string(m.Backend),
		Status:              string(m.Status),
		PublicKeyPEM:        m.PublicKeyPEM,
		CertificatePEM:      m.CertificatePEM,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		ProviderRef:         m.ProviderRef,
		CreatedAt:           m.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrKeyAlreadyExists
		}
		slog.ErrorContext(ctx, "failed to create signing key",
			"operation", "put",
			"key_id", m.KeyID,
			"error", err,
		)
		return err
	}
	m.CreatedAt = model.CreatedAt
	return nil
}

// Get は鍵IDで鍵を取得する。
func (r *SigningKeyRepository) Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error) {
	var model SigningKeyModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewKeyNotFound(keyID)
		}
		slog.ErrorContext(ctx, "failed to find signing key",
			"operation", "get",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpdateCertificate は証明書を更新する。
func (r *SigningKeyRepository) UpdateCertificate(ctx context.Context, keyID string, certificatePEM string) error {
	result := r.db.WithContext(ctx).
		Model(&SigningKeyModel{}).
		Where("key_id = ?", keyID).
		Update("certificate_pem", certificatePEM)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update certificate",
			"operation", "update_certificate",
			"key_id", keyID,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewKeyNotFound(keyID)
	}
	return nil
}

// Delete は鍵の行を削除する。秘密鍵・公開鍵・証明書・メタデータは同じ行にあるため1文で消える。
func (r *SigningKeyRepository) Delete(ctx context.Context, keyID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Delete(&SigningKeyModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete signing key",
			"operation", "delete",
			"key_id", keyID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Exists は鍵が存在するか確認する。
func (r *SigningKeyRepository) Exists(ctx context.Context, keyID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SigningKeyModel{}).
		Where("key_id = ?", keyID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count signing keys",
			"operation", "exists",
			"key_id", keyID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// List は全鍵を鍵ID順に取得する。
func (r *SigningKeyRepository) List(ctx context.Context) ([]*domain.KeyMaterial, error) {
	var models []SigningKeyModel
	err := r.db.WithContext(ctx).
		Order("key_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list signing keys",
			"operation", "list",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyMaterial, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}
