// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"regexp"
	"time"
)

// KeyStatus は署名鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRevoked は失効した鍵を表す。
	KeyStatusRevoked KeyStatus = "revoked"
)

// KeyAlgorithm は鍵ペアのアルゴリズムを表す。
type KeyAlgorithm string

const (
	// KeyAlgorithmRSA はRSA鍵ペアを表す。
	KeyAlgorithmRSA KeyAlgorithm = "RSA"
)

// DefaultKeySize は鍵長の既定値。
const DefaultKeySize = 2048

// SignatureAlgorithm は署名アルゴリズム識別子を表す。
type SignatureAlgorithm string

const (
	RS256 SignatureAlgorithm = "RS256"
	RS384 SignatureAlgorithm = "RS384"
	RS512 SignatureAlgorithm = "RS512"
)

// Backend は署名バックエンドの種類を表す。
type Backend string

const (
	BackendSimulator Backend = "simulator"
	BackendCloud     Backend = "cloud"
	BackendHardware  Backend = "hardware"
)

// IsValid は対応しているバックエンドか判定する。
func (b Backend) IsValid() bool {
	switch b {
	case BackendSimulator, BackendCloud, BackendHardware:
		return true
	}
	return false
}

// KeyOptions は鍵ペア生成のオプション。
type KeyOptions struct {
	Algorithm KeyAlgorithm
	KeySize   int
}

// WithDefaults は未指定の項目に既定値を設定したコピーを返す。
func (o KeyOptions) WithDefaults() KeyOptions {
	if o.Algorithm == "" {
		o.Algorithm = KeyAlgorithmRSA
	}
	if o.KeySize == 0 {
		o.KeySize = DefaultKeySize
	}
	return o
}

// Validate はオプションが対応範囲内か検証する。
func (o KeyOptions) Validate() error {
	if o.Algorithm != KeyAlgorithmRSA {
		return ErrInvalidKeyOptions
	}
	switch o.KeySize {
	case 2048, 3072, 4096:
		return nil
	default:
		return ErrInvalidKeyOptions
	}
}

// SigningKey は署名鍵のメタデータを表す（秘密鍵を含まない）。
type SigningKey struct {
	KeyID          string
	Algorithm      KeyAlgorithm
	KeySize        int
	Backend        Backend
	Status         KeyStatus
	PublicKeyPEM   string
	CertificatePEM string
	CreatedAt      time.Time
}

// HasCertificate は証明書が添付されているかを返す。
func (k *SigningKey) HasCertificate() bool {
	return k.CertificatePEM != ""
}

// GeneratedKey は鍵ペア生成の結果を表す。
type GeneratedKey struct {
	KeyID        string
	PublicKeyPEM string
}

// ProviderStatus は署名プロバイダーの稼働状況を表す。
type ProviderStatus struct {
	Backend   Backend
	Provider  string
	Available bool
	KeyCount  int
	Details   map[string]string
}

var keyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateKeyID は鍵IDの形式を検証する。ファイル名やPKCS#11ラベルとしても使用される。
func ValidateKeyID(keyID string) error {
	if keyID == "" || len(keyID) > 128 || !keyIDRegex.MatchString(keyID) {
		return ErrInvalidKeyID
	}
	return nil
}

// KeyMaterial はKeyStoreが永続化する鍵一式を表す。
// EncryptedPrivateKey はKeyStore内部でのみ扱い、署名プロバイダーの公開操作から返してはならない。
type KeyMaterial struct {
	KeyID               string
	Algorithm           KeyAlgorithm
	KeySize             int
	Backend             Backend
	Status              KeyStatus
	PublicKeyPEM        string
	CertificatePEM      string
	EncryptedPrivateKey []byte
	// ProviderRef はバックエンド側の鍵参照（KMSの鍵バージョン名、PKCS#11のCKA_IDなど）。
	ProviderRef string
	CreatedAt   time.Time
}

// Metadata は秘密鍵を除いたメタデータを返す。
func (m *KeyMaterial) Metadata() *SigningKey {
	return &SigningKey{
		KeyID:          m.KeyID,
		Algorithm:      m.Algorithm,
		KeySize:        m.KeySize,
		Backend:        m.Backend,
		Status:         m.Status,
		PublicKeyPEM:   m.PublicKeyPEM,
		CertificatePEM: m.CertificatePEM,
		CreatedAt:      m.CreatedAt,
	}
}
