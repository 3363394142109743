package domain

// Verdict はPDPが返す文書の処理状況を表す。
type Verdict string

const (
	VerdictProcessing Verdict = "processing"
	VerdictAccepted   Verdict = "accepted"
	VerdictRejected   Verdict = "rejected"
)

// IsKnown は既知の判定値かを返す。
func (v Verdict) IsKnown() bool {
	switch v {
	case VerdictProcessing, VerdictAccepted, VerdictRejected:
		return true
	}
	return false
}

// SubmissionMeta は送信時にPDPへ渡す付帯情報。
type SubmissionMeta struct {
	SubmissionID     string `json:"submission_id"`
	DocumentKind     string `json:"document_kind"`
	DocumentNumber   string `json:"document_number"`
	OriginalFilename string `json:"original_filename"`
	ArtifactHash     string `json:"artifact_hash"`
	SigningKeyID     string `json:"signing_key_id,omitempty"`
	Signature        string `json:"signature,omitempty"`
}

// SubmitResult はPDPへの送信結果。
type SubmitResult struct {
	Accepted          bool
	ProviderReference string
	Message           string
}

// StatusResult はPDPへの状態照会の結果。
type StatusResult struct {
	Status Verdict
	// Code と Message は却下理由など、PDP側の詳細。
	Code    string
	Message string
}
