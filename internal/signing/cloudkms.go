package signing

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdp-submission-service/internal/domain"
)

// AsymmetricKMS はクラウドKMSの非対称署名鍵操作を抽象化する。
type AsymmetricKMS interface {
	// CreateSigningKey はHSM保護の署名鍵を作成し、鍵バージョン名を返す。
	CreateSigningKey(ctx context.Context, keyID string, keySize int) (string, error)
	AsymmetricSign(ctx context.Context, versionName string, h crypto.Hash, digest []byte) ([]byte, error)
	GetPublicKeyPEM(ctx context.Context, versionName string) (string, error)
	DestroyKeyVersion(ctx context.Context, versionName string) error
	Close() error
}

// CloudKMSProvider はクラウドKMS（HSM保護レベル）で署名する。
// 秘密鍵はKMSの外に出ない。メタデータと証明書のみ KeyStore に保存する。
// KMSの鍵バージョンはアルゴリズムが固定されるため、RS256 のみ対応する。
type CloudKMSProvider struct {
	kms   AsymmetricKMS
	store KeyStore
	name  string
	locks keyLocks
	now   func() time.Time
}

// NewCloudKMSProvider は新しいCloudKMSProviderを生成する。
func NewCloudKMSProvider(kms AsymmetricKMS, store KeyStore, name string) (*CloudKMSProvider, error) {
	if kms == nil {
		return nil, errors.New("kms client is required")
	}
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if name == "" {
		name = "gcp"
	}
	return &CloudKMSProvider{kms: kms, store: store, name: name, now: time.Now}, nil
}

// GenerateKeyPair はKMS上に署名鍵を作成する。
func (p *CloudKMSProvider) GenerateKeyPair(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	unlock := p.locks.lock(keyID)
	defer unlock()

	exists, err := p.store.Exists(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}
	if exists {
		return nil, domain.ErrKeyAlreadyExists
	}

	versionName, err := p.kms.CreateSigningKey(ctx, keyID, opts.KeySize)
	if err != nil {
		return nil, fmt.Errorf("creating kms key: %w", err)
	}
	publicPEM, err := p.kms.GetPublicKeyPEM(ctx, versionName)
	if err != nil {
		return nil, fmt.Errorf("fetching kms public key: %w", err)
	}

	material := &domain.KeyMaterial{
		KeyID:        keyID,
		Algorithm:    opts.Algorithm,
		KeySize:      opts.KeySize,
		Backend:      domain.BackendCloud,
		Status:       domain.KeyStatusActive,
		PublicKeyPEM: publicPEM,
		ProviderRef:  versionName,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.Put(ctx, material); err != nil {
		return nil, fmt.Errorf("storing key metadata: %w", err)
	}

	slog.InfoContext(ctx, "key pair generated",
		"backend", domain.BackendCloud,
		"key_id", keyID,
		"key_size", opts.KeySize,
		"kms_version", versionName,
	)
	return &domain.GeneratedKey{KeyID: keyID, PublicKeyPEM: publicPEM}, nil
}

// Sign はKMSで署名する。
func (p *CloudKMSProvider) Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error) {
	if alg != domain.RS256 {
		return "", fmt.Errorf("%w: %s (cloud keys are RS256)", domain.ErrUnsupportedAlgorithm, alg)
	}
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	if material.Status != domain.KeyStatusActive {
		return "", fmt.Errorf("key %s is %s", keyID, material.Status)
	}
	sig, err := p.kms.AsymmetricSign(ctx, material.ProviderRef, crypto.SHA256, digest(crypto.SHA256, data))
	if err != nil {
		return "", fmt.Errorf("kms signing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify は保存済みの公開鍵で署名を検証する。
func (p *CloudKMSProvider) Verify(ctx context.Context, data []byte, signature string, keyID string, alg domain.SignatureAlgorithm) (bool, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	return verifyWithPublicKey(material.PublicKeyPEM, data, signature, alg)
}

// GetPublicKey は公開鍵のPEMを返す。
func (p *CloudKMSProvider) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.PublicKeyPEM, nil
}

// GetCertificate は証明書のPEMを返す。
func (p *CloudKMSProvider) GetCertificate(ctx context.Context, keyID string) (string, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.CertificatePEM, nil
}

// StoreCertificate は証明書を保存する。
func (p *CloudKMSProvider) StoreCertificate(ctx context.Context, keyID string, certificatePEM string) error {
	unlock := p.locks.lock(keyID)
	defer unlock()

	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if err := checkCertificate(certificatePEM, material.PublicKeyPEM); err != nil {
		return err
	}
	return p.store.UpdateCertificate(ctx, keyID, certificatePEM)
}

// DeleteKey はKMSの鍵バージョンを破棄予約し、メタデータを削除する。
func (p *CloudKMSProvider) DeleteKey(ctx context.Context, keyID string) (bool, error) {
	unlock := p.locks.lock(keyID)
	defer unlock()

	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := p.kms.DestroyKeyVersion(ctx, material.ProviderRef); err != nil {
		return false, fmt.Errorf("destroying kms key version: %w", err)
	}
	deleted, err := p.store.Delete(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("deleting key metadata: %w", err)
	}
	slog.InfoContext(ctx, "key deleted", "backend", domain.BackendCloud, "key_id", keyID)
	return deleted, nil
}

// KeyExists は鍵が存在するかを返す。
func (p *CloudKMSProvider) KeyExists(ctx context.Context, keyID string) (bool, error) {
	return p.store.Exists(ctx, keyID)
}

// ListKeys は全鍵のメタデータを返す。
func (p *CloudKMSProvider) ListKeys(ctx context.Context) ([]*domain.SigningKey, error) {
	materials, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	keys := make([]*domain.SigningKey, len(materials))
	for i, m := range materials {
		keys[i] = m.Metadata()
	}
	return keys, nil
}

// GetStatus はプロバイダーの稼働状況を返す。
func (p *CloudKMSProvider) GetStatus(ctx context.Context) (*domain.ProviderStatus, error) {
	status := &domain.ProviderStatus{
		Backend:  domain.BackendCloud,
		Provider: p.name,
		Details:  map[string]string{"exportable": "false", "protection_level": "HSM"},
	}
	materials, err := p.store.List(ctx)
	if err != nil {
		status.Details["error"] = err.Error()
		return status, nil
	}
	status.Available = true
	status.KeyCount = len(materials)
	return status, nil
}

// Close はKMSクライアントを閉じる。
func (p *CloudKMSProvider) Close() error {
	return p.kms.Close()
}
