// Package signing は署名プロバイダー（HSM抽象）とその実装を提供する。
//
// どのバックエンド（シミュレータ、Cloud KMS、PKCS#11ハードウェア）でも同じ Provider として扱える。
// 秘密鍵はどの公開操作からも返さない。
package signing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"pdp-submission-service/internal/domain"
)

// Provider は署名プロバイダーの操作を定義する。
type Provider interface {
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
	Close() error
}

// KeyStore は鍵素材とメタデータの永続化を抽象化する。
type KeyStore interface {
	// Put は新しい鍵を保存する。既存の場合は domain.ErrKeyAlreadyExists を返す。
	Put(ctx context.Context, m *domain.KeyMaterial) error
	// Get は鍵を取得する。存在しない場合は domain.KeyNotFoundError を返す。
	Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error)
	UpdateCertificate(ctx context.Context, keyID string, certificatePEM string) error
	// Delete は鍵のすべての素材を削除し、削除したかどうかを返す。
	Delete(ctx context.Context, keyID string) (bool, error)
	Exists(ctx context.Context, keyID string) (bool, error)
	List(ctx context.Context) ([]*domain.KeyMaterial, error)
}

// Encrypter は保存時の秘密鍵暗号化を抽象化する。
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// hashFor は署名アルゴリズムに対応するハッシュ関数を返す。
func hashFor(alg domain.SignatureAlgorithm) (crypto.Hash, error) {
	switch alg {
	case domain.RS256:
		return crypto.SHA256, nil
	case domain.RS384:
		return crypto.SHA384, nil
	case domain.RS512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
}

// digest はデータのハッシュ値を計算する。
func digest(h crypto.Hash, data []byte) []byte {
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// verifyWithPublicKey は公開鍵のみで署名を検証する。
// Base64が不正な場合や署名が一致しない場合は false を返す。
func verifyWithPublicKey(publicKeyPEM string, data []byte, signature string, alg domain.SignatureAlgorithm) (bool, error) {
	h, err := hashFor(alg)
	if err != nil {
		return false, err
	}
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	if err := rsa.VerifyPKCS1v15(pub, h, digest(h, data), sig); err != nil {
		return false, nil
	}
	return true, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("public key PEM is invalid")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// checkCertificate は証明書PEMを解析し、公開鍵が一致するか確認する。
func checkCertificate(certificatePEM, publicKeyPEM string) error {
	block, _ := pem.Decode([]byte(certificatePEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return domain.ErrInvalidCertificate
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCertificate, err)
	}
	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return domain.ErrCertificateMismatch
	}
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	if !pub.Equal(certPub) {
		return domain.ErrCertificateMismatch
	}
	return nil
}
