// Package artifact は送信成果物（確定済み文書のバイト列）のファイル入出力を提供する。
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"pdp-submission-service/internal/domain"
)

// DocumentResolver は文書参照を解決する。
type DocumentResolver interface {
	Resolve(ctx context.Context, ref domain.DocumentRef) (*domain.Document, error)
}

// Store は成果物ディレクトリ配下のファイルを扱う。
// 相対パスは root からのパスとして解決する。
type Store struct {
	root     string
	resolver DocumentResolver
}

// NewStore は新しい Store を生成する。
func NewStore(root string, resolver DocumentResolver) *Store {
	return &Store{root: root, resolver: resolver}
}

// ProduceArtifact は文書の確定済み成果物のパスを返す。
// 文書に登録されたパスを優先し、なければ <root>/<kind>/<id>.xml を探す。
func (s *Store) ProduceArtifact(ctx context.Context, ref domain.DocumentRef) (string, error) {
	doc, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	path := doc.ArtifactPath
	if path == "" {
		path = filepath.Join(string(ref.Kind), ref.ID+".xml")
	}
	full := s.abs(path)
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, ref)
		}
		return "", fmt.Errorf("checking artifact: %w", err)
	}
	return full, nil
}

// Read は成果物の内容を読み込む。
func (s *Store) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

func (s *Store) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, filepath.Clean("/"+path))
}
