package usecase

import (
	"context"
	"fmt"

	"pdp-submission-service/internal/domain"
)

// SigningProvider は署名プロバイダーのインターフェース。
type SigningProvider interface {
	GenerateKeyPair(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error)
	Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error)
	Verify(ctx context.Context, data []byte, signature string, keyID string, alg domain.SignatureAlgorithm) (bool, error)
	GetPublicKey(ctx context.Context, keyID string) (string, error)
	GetCertificate(ctx context.Context, keyID string) (string, error)
	StoreCertificate(ctx context.Context, keyID string, certificatePEM string) error
	DeleteKey(ctx context.Context, keyID string) (bool, error)
	KeyExists(ctx context.Context, keyID string) (bool, error)
	ListKeys(ctx context.Context) ([]*domain.SigningKey, error)
	GetStatus(ctx context.Context) (*domain.ProviderStatus, error)
}

// SigningService は署名鍵の管理と署名・検証を提供する。
type SigningService struct {
	provider SigningProvider
}

// NewSigningService は新しいSigningServiceを生成する。
func NewSigningService(provider SigningProvider) *SigningService {
	return &SigningService{provider: provider}
}

// CreateKey は鍵ペアを生成する。
func (s *SigningService) CreateKey(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	key, err := s.provider.GenerateKeyPair(ctx, keyID, opts)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return key, nil
}

// GetKey は鍵のメタデータを取得する。
func (s *SigningService) GetKey(ctx context.Context, keyID string) (*domain.SigningKey, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	keys, err := s.provider.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	for _, k := range keys {
		if k.KeyID == keyID {
			return k, nil
		}
	}
	return nil, domain.NewKeyNotFound(keyID)
}

// ListKeys はすべての鍵のメタデータを取得する。
func (s *SigningService) ListKeys(ctx context.Context) ([]*domain.SigningKey, error) {
	keys, err := s.provider.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

// DeleteKey は鍵を削除する。存在しない場合は domain.KeyNotFoundError を返す。
func (s *SigningService) DeleteKey(ctx context.Context, keyID string) error {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return err
	}
	deleted, err := s.provider.DeleteKey(ctx, keyID)
	if err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	if !deleted {
		return domain.NewKeyNotFound(keyID)
	}
	return nil
}

// GetCertificate は鍵に添付された証明書を取得する。未添付の場合は空文字を返す。
func (s *SigningService) GetCertificate(ctx context.Context, keyID string) (string, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return "", err
	}
	return s.provider.GetCertificate(ctx, keyID)
}

// StoreCertificate は鍵ペアに対応する証明書を保存する。
func (s *SigningService) StoreCertificate(ctx context.Context, keyID, certificatePEM string) error {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return err
	}
	return s.provider.StoreCertificate(ctx, keyID, certificatePEM)
}

// Sign はデータに署名し、Base64の署名を返す。
func (s *SigningService) Sign(ctx context.Context, keyID string, data []byte, alg domain.SignatureAlgorithm) (string, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return "", err
	}
	return s.provider.Sign(ctx, data, keyID, defaultAlgorithm(alg))
}

// Verify は署名を検証する。
func (s *SigningService) Verify(ctx context.Context, keyID string, data []byte, signature string, alg domain.SignatureAlgorithm) (bool, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return false, err
	}
	return s.provider.Verify(ctx, data, signature, keyID, defaultAlgorithm(alg))
}

// Status は署名プロバイダーの稼働状況を返す。
func (s *SigningService) Status(ctx context.Context) (*domain.ProviderStatus, error) {
	return s.provider.GetStatus(ctx)
}

func defaultAlgorithm(alg domain.SignatureAlgorithm) domain.SignatureAlgorithm {
	if alg == "" {
		return domain.RS256
	}
	return alg
}
