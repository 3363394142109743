package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound は指定された鍵IDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyAlreadyExists は指定された鍵IDが既に使用されている場合のエラー。
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrInvalidKeyID は鍵IDの形式が不正な場合のエラー。
	ErrInvalidKeyID = errors.New("invalid key ID")

	// ErrInvalidKeyOptions は鍵生成オプションが不正な場合のエラー。
	ErrInvalidKeyOptions = errors.New("invalid key options")

	// ErrUnsupportedAlgorithm は署名アルゴリズムが未対応の場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrUnsupportedBackend は署名バックエンドの設定が未対応の場合のエラー。
	ErrUnsupportedBackend = errors.New("unsupported signing backend")

	// ErrInvalidCertificate は証明書のPEMが解析できない場合のエラー。
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrCertificateMismatch は証明書の公開鍵が鍵ペアと一致しない場合のエラー。
	ErrCertificateMismatch = errors.New("certificate does not match key pair")

	// ErrTransientTransport はPDPとの通信で発生した一時的な障害。リトライ対象。
	ErrTransientTransport = errors.New("transient transport error")

	// ErrPermanentSubmission はPDPが送信を明示的に拒否した場合のエラー。リトライ対象外。
	ErrPermanentSubmission = errors.New("permanent submission error")

	// ErrUnknownVerdict はPDPが未知のステータスを返した場合のエラー。
	ErrUnknownVerdict = errors.New("unknown verdict")

	// ErrJobFailed はリトライ上限に達した場合のエラー。
	ErrJobFailed = errors.New("job failed")

	// ErrSubmissionNotFound は指定された送信IDのレコードが存在しない場合のエラー。
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrSubmissionAlreadyExists は送信IDが既に使用されている場合のエラー。
	ErrSubmissionAlreadyExists = errors.New("submission already exists")

	// ErrInvalidSubmissionID は送信IDの形式が不正な場合のエラー。
	ErrInvalidSubmissionID = errors.New("invalid submission ID")

	// ErrStateMismatch は状態遷移の条件付き更新が他のワーカーに先行された場合のエラー。
	ErrStateMismatch = errors.New("submission state mismatch")

	// ErrInvalidDocumentRef は文書参照が不正な場合のエラー。
	ErrInvalidDocumentRef = errors.New("invalid document reference")

	// ErrDocumentNotFound は参照先の文書が存在しない場合のエラー。
	ErrDocumentNotFound = errors.New("document not found")

	// ErrArtifactNotFound は送信対象の成果物ファイルが存在しない場合のエラー。
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidMode は動作モードが不正な場合のエラー。
	ErrInvalidMode = errors.New("invalid operating mode")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationModified は適用済みマイグレーションのファイル内容が変更されている場合のエラー。
	ErrMigrationModified = errors.New("applied migration has been modified")
)

// KeyNotFoundError は存在しない鍵IDを保持するエラー。
// errors.Is(err, ErrKeyNotFound) で判定できる。
type KeyNotFoundError struct {
	KeyID string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.KeyID)
}

// Is は ErrKeyNotFound との比較を可能にする。
func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// NewKeyNotFound は鍵IDを保持した KeyNotFoundError を返す。
func NewKeyNotFound(keyID string) error {
	return &KeyNotFoundError{KeyID: keyID}
}
