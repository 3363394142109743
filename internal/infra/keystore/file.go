// Package keystore はファイルベースの鍵ストアを提供する。
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pdp-submission-service/internal/domain"
)

const fileSuffix = ".key.json"

// keyFile はディスク上の鍵ファイルの形式。秘密鍵は暗号化済みのバイト列のみを保持する。
type keyFile struct {
	KeyID               string    `json:"key_id"`
	Algorithm           string    `json:"algorithm"`
	KeySize             int       `json:"key_size"`
	Backend             string    `json:"backend"`
	Status              string    `json:"status"`
	PublicKeyPEM        string    `json:"public_key_pem"`
	CertificatePEM      string    `json:"certificate_pem,omitempty"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key,omitempty"`
	ProviderRef         string    `json:"provider_ref,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// FileStore は鍵ごとに1ファイルで鍵素材を保存する。
// 秘密鍵・公開鍵・証明書・メタデータを1ファイルにまとめるため、削除は1回のファイル削除で完結する。
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore は新しいFileStoreを生成する。ディレクトリがなければ作成する。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("key directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(keyID string) string {
	return filepath.Join(s.dir, keyID+fileSuffix)
}

// Put は新しい鍵を保存する。
func (s *FileStore) Put(ctx context.Context, m *domain.KeyMaterial) error {
	if err := domain.ValidateKeyID(m.KeyID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(m.KeyID)); err == nil {
		return domain.ErrKeyAlreadyExists
	}
	if err := s.write(toFile(m)); err != nil {
		slog.ErrorContext(ctx, "failed to write key file",
			"operation", "put",
			"key_id", m.KeyID,
			"error", err,
		)
		return err
	}
	return nil
}

// write は一時ファイルに書き込んでからリネームする。
func (s *FileStore) write(f *keyFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing key file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path(f.KeyID))
}

func (s *FileStore) read(keyID string) (*keyFile, error) {
	data, err := os.ReadFile(s.path(keyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewKeyNotFound(keyID)
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", keyID, err)
	}
	return &f, nil
}

// Get は鍵を取得する。
func (s *FileStore) Get(ctx context.Context, keyID string) (*domain.KeyMaterial, error) {
	if domain.ValidateKeyID(keyID) != nil {
		return nil, domain.NewKeyNotFound(keyID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.read(keyID)
	if err != nil {
		return nil, err
	}
	return f.toDomain(), nil
}

// UpdateCertificate は証明書を更新する。
func (s *FileStore) UpdateCertificate(ctx context.Context, keyID string, certificatePEM string) error {
	if domain.ValidateKeyID(keyID) != nil {
		return domain.NewKeyNotFound(keyID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read(keyID)
	if err != nil {
		return err
	}
	f.CertificatePEM = certificatePEM
	if err := s.write(f); err != nil {
		slog.ErrorContext(ctx, "failed to update certificate",
			"operation", "update_certificate",
			"key_id", keyID,
			"error", err,
		)
		return err
	}
	return nil
}

// Delete は鍵ファイルを削除する。
func (s *FileStore) Delete(ctx context.Context, keyID string) (bool, error) {
	if domain.ValidateKeyID(keyID) != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(keyID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key file",
			"operation", "delete",
			"key_id", keyID,
			"error", err,
		)
		return false, err
	}
	return true, nil
}

// Exists は鍵ファイルが存在するかを返す。
func (s *FileStore) Exists(_ context.Context, keyID string) (bool, error) {
	if domain.ValidateKeyID(keyID) != nil {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(keyID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List は全鍵を鍵ID順に返す。
func (s *FileStore) List(ctx context.Context) ([]*domain.KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading key directory: %w", err)
	}
	var keys []*domain.KeyMaterial
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		f, err := s.read(strings.TrimSuffix(e.Name(), fileSuffix))
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable key file", "file", e.Name(), "error", err)
			continue
		}
		keys = append(keys, f.toDomain())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

func toFile(m *domain.KeyMaterial) *keyFile {
	return &keyFile{
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
}

func (f *keyFile) toDomain() *domain.KeyMaterial {
	return &domain.KeyMaterial{
		KeyID:               f.KeyID,
		Algorithm:           domain.KeyAlgorithm(f.Algorithm),
		KeySize:             f.KeySize,
		Backend:             domain.Backend(f.Backend),
		Status:              domain.KeyStatus(f.Status),
		PublicKeyPEM:        f.PublicKeyPEM,
		CertificatePEM:      f.CertificatePEM,
		EncryptedPrivateKey: f.EncryptedPrivateKey,
		ProviderRef:         f.ProviderRef,
		CreatedAt:           f.CreatedAt,
	}
}
