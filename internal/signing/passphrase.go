package signing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	aesKeySize      = 32 // AES-256
)

// PassphraseEncrypter はデプロイ時に与えるパスフレーズから鍵を導出して暗号化する。
// パスフレーズは保存しないため、保存データだけからは復号鍵を導出できない。
//
// 形式: version(1) | salt(16) | nonce(12) | ciphertext
type PassphraseEncrypter struct {
	passphrase []byte
	time       uint32
	memory     uint32
	threads    uint8
}

// NewPassphraseEncrypter は新しいPassphraseEncrypterを生成する。
func NewPassphraseEncrypter(passphrase string) (*PassphraseEncrypter, error) {
	if len(passphrase) < 16 {
		return nil, errors.New("passphrase must be at least 16 characters")
	}
	return &PassphraseEncrypter{
		passphrase: []byte(passphrase),
		time:       1,
		memory:     64 * 1024,
		threads:    4,
	}, nil
}

func (e *PassphraseEncrypter) deriveKey(salt []byte) []byte {
	return argon2.IDKey(e.passphrase, salt, e.time, e.memory, e.threads, aesKeySize)
}

// Encrypt は平文を暗号化する。レコードごとにソルトとノンスを生成する。
func (e *PassphraseEncrypter) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key := e.deriveKey(salt)
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	header := append([]byte(nil), out[:1+saltSize]...)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

// Decrypt は Encrypt の出力を復号する。
func (e *PassphraseEncrypter) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+saltSize || ciphertext[0] != envelopeVersion {
		return nil, errors.New("unsupported ciphertext format")
	}
	salt := ciphertext[1 : 1+saltSize]
	key := e.deriveKey(salt)
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	rest := ciphertext[1+saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, ciphertext[:1+saltSize])
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
