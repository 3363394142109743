package domain

import (
	"time"
)

// SubmissionStatus は送信レコードの状態を表す。
type SubmissionStatus string

const (
	SubmissionStatusPending    SubmissionStatus = "pending"
	SubmissionStatusSubmitting SubmissionStatus = "submitting"
	SubmissionStatusSubmitted  SubmissionStatus = "submitted"
	SubmissionStatusProcessing SubmissionStatus = "processing"
	SubmissionStatusAccepted   SubmissionStatus = "accepted"
	SubmissionStatusRejected   SubmissionStatus = "rejected"
	SubmissionStatusError      SubmissionStatus = "error"
)

// InFlightOrResolved は外部送信が既に成立している状態かを返す。
// この状態のレコードは再ディスパッチしても送信しない。
func (s SubmissionStatus) InFlightOrResolved() bool {
	switch s {
	case SubmissionStatusSubmitted, SubmissionStatusProcessing,
		SubmissionStatusAccepted, SubmissionStatusRejected:
		return true
	}
	return false
}

// AwaitingVerdict はPDPの判定待ちの状態かを返す。
func (s SubmissionStatus) AwaitingVerdict() bool {
	return s == SubmissionStatusSubmitted || s == SubmissionStatusProcessing
}

// Mode は送信の動作モードを表す。
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeProduction Mode = "production"
)

// ParseMode は文字列を Mode に変換する。推測はしない。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSimulation, ModeProduction:
		return Mode(s), nil
	}
	return "", ErrInvalidMode
}

// エラーコード。送信レコードの error_code に保存される。
const (
	CodeTransportError      = "TRANSPORT_ERROR"
	CodeSubmissionRefused   = "SUBMISSION_REFUSED"
	CodeSigningError        = "SIGNING_ERROR"
	CodeArtifactError       = "ARTIFACT_ERROR"
	CodeDocumentNotFound    = "DOCUMENT_NOT_FOUND"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeModeUnavailable     = "MODE_UNAVAILABLE"
	CodeUnknownStatus       = "UNKNOWN_STATUS"
	CodeStaleProcessing     = "STALE_PROCESSING"
	CodeJobFailed           = "JOB_FAILED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Submission は1文書のPDP送信の経過を追跡するエンティティ。
// PollFailures は連続した状態照会の通信失敗回数で、判定を受け取ると0に戻る。
type Submission struct {
	ID                string
	SubmissionID      string
	Document          DocumentRef
	UserID            string
	Status            SubmissionStatus
	Mode              Mode
	ProviderReference string
	Attempts          int
	PollCount         int
	PollFailures      int
	ErrorMessage      string
	ErrorCode         string

	ArtifactPath     string
	OriginalFilename string
	ArtifactSize     int64
	ArtifactHash     string
	SigningKeyID     string
	Signature        string

	SubmittedAt *time.Time
	AcceptedAt  *time.Time
	RejectedAt  *time.Time
	ErroredAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal は自動遷移が発生しない最終状態かを返す。
// error は試行回数が上限に達しているか JOB_FAILED 系のコードの場合のみ最終状態。
func (s *Submission) IsTerminal(maxAttempts int) bool {
	switch s.Status {
	case SubmissionStatusAccepted, SubmissionStatusRejected:
		return true
	case SubmissionStatusError:
		return s.Attempts >= maxAttempts || IsPermanentErrorCode(s.ErrorCode)
	}
	return false
}

// PermanentErrorCodes はリトライしないエラーコードの一覧。
var PermanentErrorCodes = []string{
	CodeJobFailed, CodeUnknownStatus, CodeStaleProcessing,
	CodeDuplicateSubmission, CodeSubmissionRefused, CodeModeUnavailable,
	CodeDocumentNotFound,
}

// IsPermanentErrorCode はリトライしないエラーコードかを返す。
func IsPermanentErrorCode(code string) bool {
	for _, c := range PermanentErrorCodes {
		if code == c {
			return true
		}
	}
	return false
}

// Transition は条件付き状態遷移を表す。From のいずれかにある場合のみ To に更新される。
type Transition struct {
	From []SubmissionStatus
	To   SubmissionStatus
	// Apply は遷移と同時に更新する項目を設定する。
	Apply func(s *Submission)
}
