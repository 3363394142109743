package signing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gorm.io/gorm"

	"pdp-submission-service/config"
	"pdp-submission-service/internal/domain"
	"pdp-submission-service/internal/infra"
	"pdp-submission-service/internal/infra/keystore"
	"pdp-submission-service/internal/repository"
)

// HardwareConfig はPKCS#11トークンへの接続設定。
type HardwareConfig struct {
	LibraryPath string
	PIN         string
	Slot        int // 負の場合は最初のトークン
	Sessions    int
}

// NewProvider は SIGNING_BACKEND に応じた署名プロバイダーを生成する。
// 生成したプロバイダーは呼び出し側が保持して依存先に渡し、終了時に Close する。
func NewProvider(ctx context.Context, cfg *config.Config, db *gorm.DB) (Provider, error) {
	backend := domain.Backend(cfg.Signing.Backend)
	if !backend.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedBackend, cfg.Signing.Backend)
	}

	store, err := NewKeyStore(cfg, db)
	if err != nil {
		return nil, err
	}

	switch backend {
	case domain.BackendSimulator:
		encrypter, closer, err := newEncrypter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p, err := NewSimulatorProvider(store, encrypter, cfg.Signing.ProviderName)
		if err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, err
		}
		p.closer = closer
		return p, nil

	case domain.BackendCloud:
		client, err := infra.NewKMSClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnsupportedBackend, err)
		}
		if cfg.KMSKeyRing == "" {
			client.Close()
			return nil, fmt.Errorf("%w: KMS_KEY_RING is required for the cloud backend", domain.ErrUnsupportedBackend)
		}
		return NewCloudKMSProvider(client, store, cfg.Signing.ProviderName)

	case domain.BackendHardware:
		return NewHardwareProvider(HardwareConfig{
			LibraryPath: cfg.Signing.PKCS11Library,
			PIN:         cfg.Signing.PKCS11PIN,
			Slot:        cfg.Signing.PKCS11Slot,
			Sessions:    cfg.Queue.Concurrency,
		}, store, cfg.Signing.ProviderName)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedBackend, backend)
}

// NewKeyStore は SIGNING_KEYSTORE に応じた鍵ストアを生成する。
func NewKeyStore(cfg *config.Config, db *gorm.DB) (KeyStore, error) {
	switch cfg.Signing.KeyStore {
	case "file", "":
		return keystore.NewFileStore(cfg.Signing.KeyDir)
	case "database":
		if db == nil {
			return nil, errors.New("database key store requires a database connection")
		}
		return repository.NewSigningKeyRepository(db), nil
	}
	return nil, fmt.Errorf("unsupported SIGNING_KEYSTORE: %s", cfg.Signing.KeyStore)
}

func newEncrypter(ctx context.Context, cfg *config.Config) (Encrypter, io.Closer, error) {
	switch cfg.Signing.Encrypter {
	case "passphrase", "":
		e, err := NewPassphraseEncrypter(cfg.Signing.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("configuring key encryption: %w", err)
		}
		return e, nil, nil
	case "kms":
		if cfg.KMSKeyName == "" {
			return nil, nil, errors.New("KMS_KEY_NAME is required for the kms encrypter")
		}
		client, err := infra.NewKMSClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
	return nil, nil, fmt.Errorf("unsupported SIGNING_ENCRYPTER: %s", cfg.Signing.Encrypter)
}
