package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pdp-submission-service/internal/domain"
)

// SimulatorProvider は開発・テスト用のソフトウェア署名プロバイダー。
// 鍵ペアはプロセス内で生成し、秘密鍵は Encrypter で暗号化してから KeyStore に保存する。
// 実HSMの「エクスポート不可」は保証しないが、公開操作から秘密鍵を返さない点は同じ。
type SimulatorProvider struct {
	store     KeyStore
	encrypter Encrypter
	name      string
	locks     keyLocks
	now       func() time.Time
	closer    io.Closer
}

// NewSimulatorProvider は新しいSimulatorProviderを生成する。
func NewSimulatorProvider(store KeyStore, encrypter Encrypter, name string) (*SimulatorProvider, error) {
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if encrypter == nil {
		return nil, errors.New("encrypter is required")
	}
	if name == "" {
		name = "local"
	}
	return &SimulatorProvider{
		store:     store,
		encrypter: encrypter,
		name:      name,
		now:       time.Now,
	}, nil
}

// GenerateKeyPair はRSA鍵ペアを生成し、暗号化した秘密鍵を保存する。
func (p *SimulatorProvider) GenerateKeyPair(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error) {
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

	priv, err := rsa.GenerateKey(rand.Reader, opts.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	publicPEM, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	encrypted, err := p.encrypter.Encrypt(ctx, der)
	wipe(der)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}

	material := &domain.KeyMaterial{
		KeyID:               keyID,
		Algorithm:           opts.Algorithm,
		KeySize:             opts.KeySize,
		Backend:             domain.BackendSimulator,
		Status:              domain.KeyStatusActive,
		PublicKeyPEM:        publicPEM,
		EncryptedPrivateKey: encrypted,
		CreatedAt:           p.now().UTC(),
	}
	if err := p.store.Put(ctx, material); err != nil {
		return nil, fmt.Errorf("storing key: %w", err)
	}

	slog.InfoContext(ctx, "key pair generated",
		"backend", domain.BackendSimulator,
		"key_id", keyID,
		"key_size", opts.KeySize,
	)
	return &domain.GeneratedKey{KeyID: keyID, PublicKeyPEM: publicPEM}, nil
}

// Sign はデータに署名し、Base64エンコードした署名を返す。
func (p *SimulatorProvider) Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error) {
	h, err := hashFor(alg)
	if err != nil {
		return "", err
	}
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	if material.Status != domain.KeyStatusActive {
		return "", fmt.Errorf("key %s is %s", keyID, material.Status)
	}

	der, err := p.encrypter.Decrypt(ctx, material.EncryptedPrivateKey)
	if err != nil {
		return "", fmt.Errorf("decrypting private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	wipe(der)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", errors.New("stored private key is not RSA")
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, h, digest(h, data))
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify は公開鍵で署名を検証する。
func (p *SimulatorProvider) Verify(ctx context.Context, data []byte, signature string, keyID string, alg domain.SignatureAlgorithm) (bool, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	return verifyWithPublicKey(material.PublicKeyPEM, data, signature, alg)
}

// GetPublicKey は公開鍵のPEMを返す。
func (p *SimulatorProvider) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.PublicKeyPEM, nil
}

// GetCertificate は添付された証明書のPEMを返す。未添付の場合は空文字。
func (p *SimulatorProvider) GetCertificate(ctx context.Context, keyID string) (string, error) {
	material, err := p.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.CertificatePEM, nil
}

// StoreCertificate は鍵ペアに対応する証明書を保存する。
func (p *SimulatorProvider) StoreCertificate(ctx context.Context, keyID string, certificatePEM string) error {
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

// DeleteKey は鍵のすべての素材を削除する。存在しない場合は false を返す。
func (p *SimulatorProvider) DeleteKey(ctx context.Context, keyID string) (bool, error) {
	unlock := p.locks.lock(keyID)
	defer unlock()

	deleted, err := p.store.Delete(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("deleting key: %w", err)
	}
	if deleted {
		slog.InfoContext(ctx, "key deleted", "backend", domain.BackendSimulator, "key_id", keyID)
	}
	return deleted, nil
}

// KeyExists は鍵が存在するかを返す。
func (p *SimulatorProvider) KeyExists(ctx context.Context, keyID string) (bool, error) {
	return p.store.Exists(ctx, keyID)
}

// ListKeys は全鍵のメタデータを返す。
func (p *SimulatorProvider) ListKeys(ctx context.Context) ([]*domain.SigningKey, error) {
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
func (p *SimulatorProvider) GetStatus(ctx context.Context) (*domain.ProviderStatus, error) {
	materials, err := p.store.List(ctx)
	if err != nil {
		return &domain.ProviderStatus{
			Backend:   domain.BackendSimulator,
			Provider:  p.name,
			Available: false,
			Details:   map[string]string{"error": err.Error()},
		}, nil
	}
	return &domain.ProviderStatus{
		Backend:   domain.BackendSimulator,
		Provider:  p.name,
		Available: true,
		KeyCount:  len(materials),
		Details:   map[string]string{"exportable": "true"},
	}, nil
}

// Close は Encrypter が外部接続を持つ場合にそれを閉じる。
func (p *SimulatorProvider) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// wipe は平文の鍵バッファを上書きする。
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
