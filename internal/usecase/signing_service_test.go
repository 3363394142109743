package usecase

import (
	"context"
	"errors"
	"testing"

	"pdp-submission-service/internal/domain"
)

// mockSigningProvider はテスト用のモック署名プロバイダー。
type mockSigningProvider struct {
	keys       []*domain.SigningKey
	generated  []string
	deleteResp bool
	signAlg    domain.SignatureAlgorithm
	err        error
}

func (m *mockSigningProvider) GenerateKeyPair(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.generated = append(m.generated, keyID)
	return &domain.GeneratedKey{KeyID: keyID, PublicKeyPEM: "-----BEGIN PUBLIC KEY-----"}, nil
}

func (m *mockSigningProvider) Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error) {
	m.signAlg = alg
	return "sig", m.err
}

func (m *mockSigningProvider) Verify(ctx context.Context, data []byte, signature string, keyID string, alg domain.SignatureAlgorithm) (bool, error) {
	return signature == "sig", m.err
}

func (m *mockSigningProvider) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	return "-----BEGIN PUBLIC KEY-----", m.err
}

func (m *mockSigningProvider) GetCertificate(ctx context.Context, keyID string) (string, error) {
	return "", m.err
}

func (m *mockSigningProvider) StoreCertificate(ctx context.Context, keyID string, certificatePEM string) error {
	return m.err
}

func (m *mockSigningProvider) DeleteKey(ctx context.Context, keyID string) (bool, error) {
	return m.deleteResp, m.err
}

func (m *mockSigningProvider) KeyExists(ctx context.Context, keyID string) (bool, error) {
	return len(m.keys) > 0, m.err
}

func (m *mockSigningProvider) ListKeys(ctx context.Context) ([]*domain.SigningKey, error) {
	return m.keys, m.err
}

func (m *mockSigningProvider) GetStatus(ctx context.Context) (*domain.ProviderStatus, error) {
	return &domain.ProviderStatus{Backend: domain.BackendSimulator, Available: true, KeyCount: len(m.keys)}, m.err
}

func TestSigningService_CreateKey(t *testing.T) {
	provider := &mockSigningProvider{}
	svc := NewSigningService(provider)

	key, err := svc.CreateKey(context.Background(), "tenant-42", domain.KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if key.KeyID != "tenant-42" || len(provider.generated) != 1 {
		t.Errorf("unexpected result: %+v", key)
	}

	if _, err := svc.CreateKey(context.Background(), "../escape", domain.KeyOptions{}); !errors.Is(err, domain.ErrInvalidKeyID) {
		t.Errorf("want ErrInvalidKeyID, got %v", err)
	}
	if len(provider.generated) != 1 {
		t.Error("invalid key id must not reach the provider")
	}

	provider.err = domain.ErrKeyAlreadyExists
	if _, err := svc.CreateKey(context.Background(), "tenant-42", domain.KeyOptions{}); !errors.Is(err, domain.ErrKeyAlreadyExists) {
		t.Errorf("want ErrKeyAlreadyExists, got %v", err)
	}
}

func TestSigningService_GetKey(t *testing.T) {
	provider := &mockSigningProvider{keys: []*domain.SigningKey{{KeyID: "a"}, {KeyID: "tenant-42", KeySize: 2048}}}
	svc := NewSigningService(provider)

	key, err := svc.GetKey(context.Background(), "tenant-42")
	if err != nil || key.KeySize != 2048 {
		t.Fatalf("unexpected result: %+v (err=%v)", key, err)
	}

	_, err = svc.GetKey(context.Background(), "missing")
	var notFound *domain.KeyNotFoundError
	if !errors.As(err, &notFound) || notFound.KeyID != "missing" {
		t.Errorf("want KeyNotFoundError, got %v", err)
	}
}

func TestSigningService_DeleteKey(t *testing.T) {
	provider := &mockSigningProvider{deleteResp: true}
	svc := NewSigningService(provider)

	if err := svc.DeleteKey(context.Background(), "tenant-42"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	provider.deleteResp = false
	if err := svc.DeleteKey(context.Background(), "tenant-42"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestSigningService_SignDefaultsAlgorithm(t *testing.T) {
	provider := &mockSigningProvider{}
	svc := NewSigningService(provider)

	sig, err := svc.Sign(context.Background(), "tenant-42", []byte("invoice-INV-2024-001"), "")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if provider.signAlg != domain.RS256 {
		t.Errorf("want RS256 by default, got %s", provider.signAlg)
	}
	ok, err := svc.Verify(context.Background(), "tenant-42", []byte("invoice-INV-2024-001"), sig, domain.RS512)
	if err != nil || !ok {
		t.Errorf("want valid signature, got %v (err=%v)", ok, err)
	}
}
