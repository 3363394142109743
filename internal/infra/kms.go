package infra

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pdp-submission-service/config"
)

// KMSClient はCloud KMSクライアントをラップする。
// KMS_KEY_NAME の対称鍵で秘密鍵を封筒暗号化し、KMS_KEY_RING 配下にHSM保護の署名鍵を作成する。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
	keyRing string
}

// NewKMSClient は設定からKMSClientを生成する。
func NewKMSClient(ctx context.Context, cfg *config.Config) (*KMSClient, error) {
	if cfg.KMSKeyName == "" && cfg.KMSKeyRing == "" {
		return nil, errors.New("KMS_KEY_NAME or KMS_KEY_RING is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: cfg.KMSKeyName,
		keyRing: cfg.KMSKeyRing,
	}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if c.keyName == "" {
		return nil, errors.New("KMS_KEY_NAME is not configured")
	}
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if c.keyName == "" {
		return nil, errors.New("KMS_KEY_NAME is not configured")
	}
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

var signAlgorithms = map[int]kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm{
	2048: kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256,
	3072: kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256,
	4096: kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256,
}

// CreateSigningKey はキーリング配下にHSM保護の署名鍵を作成し、鍵バージョン名を返す。
// 同名のCryptoKeyが既に存在する場合は新しいバージョンを追加する（CryptoKeyは削除できないため）。
func (c *KMSClient) CreateSigningKey(ctx context.Context, keyID string, keySize int) (string, error) {
	if c.keyRing == "" {
		return "", errors.New("KMS_KEY_RING is not configured")
	}
	alg, ok := signAlgorithms[keySize]
	if !ok {
		return "", fmt.Errorf("unsupported key size for kms: %d", keySize)
	}

	key, err := c.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      c.keyRing,
		CryptoKeyId: keyID,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ASYMMETRIC_SIGN,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm:       alg,
				ProtectionLevel: kmspb.ProtectionLevel_HSM,
			},
		},
	})
	if err == nil {
		return key.GetName() + "/cryptoKeyVersions/1", nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return "", fmt.Errorf("creating crypto key: %w", err)
	}

	version, err := c.client.CreateCryptoKeyVersion(ctx, &kmspb.CreateCryptoKeyVersionRequest{
		Parent:           c.keyRing + "/cryptoKeys/" + keyID,
		CryptoKeyVersion: &kmspb.CryptoKeyVersion{},
	})
	if err != nil {
		return "", fmt.Errorf("creating crypto key version: %w", err)
	}
	return version.GetName(), nil
}

// AsymmetricSign はダイジェストに署名する。KMSの鍵バージョンはSHA-256固定。
func (c *KMSClient) AsymmetricSign(ctx context.Context, versionName string, h crypto.Hash, digest []byte) ([]byte, error) {
	if h != crypto.SHA256 {
		return nil, fmt.Errorf("unsupported digest for kms: %v", h)
	}
	resp, err := c.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: versionName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("asymmetric sign: %w", err)
	}
	return resp.GetSignature(), nil
}

// GetPublicKeyPEM は鍵バージョンの公開鍵PEMを返す。
func (c *KMSClient) GetPublicKeyPEM(ctx context.Context, versionName string) (string, error) {
	resp, err := c.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: versionName})
	if err != nil {
		return "", fmt.Errorf("getting public key: %w", err)
	}
	return resp.GetPem(), nil
}

// DestroyKeyVersion は鍵バージョンを破棄予約する。
func (c *KMSClient) DestroyKeyVersion(ctx context.Context, versionName string) error {
	_, err := c.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{Name: versionName})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("destroying key version: %w", err)
	}
	return nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
