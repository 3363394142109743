// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pdp-submission-service/internal/domain"
	"pdp-submission-service/internal/middleware"
	"pdp-submission-service/internal/usecase"
	"pdp-submission-service/pkg/httputil"
)

// SubmissionUsecase は送信レコードのユースケース。
type SubmissionUsecase interface {
	Create(ctx context.Context, in usecase.CreateSubmissionInput) (*domain.Submission, error)
	Get(ctx context.Context, submissionID string) (*domain.Submission, error)
	Redispatch(ctx context.Context, submissionID string) (*domain.Submission, error)
	Notifications(ctx context.Context, userID string, limit int) ([]*domain.Notification, error)
}

// CallbackUsecase はPDPから通知された判定を反映する。
type CallbackUsecase interface {
	HandleCallback(ctx context.Context, providerRef string, res domain.StatusResult) error
}

// SubmissionHandler は送信パイプラインのHTTPハンドラを提供する。
type SubmissionHandler struct {
	submissions SubmissionUsecase
	callbacks   CallbackUsecase
}

// NewSubmissionHandler は新しいSubmissionHandlerを生成する。
func NewSubmissionHandler(submissions SubmissionUsecase, callbacks CallbackUsecase) *SubmissionHandler {
	return &SubmissionHandler{submissions: submissions, callbacks: callbacks}
}

// DocumentRequest は文書参照のリクエスト形式。
type DocumentRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// CreateSubmissionRequest は送信レコード作成のリクエスト形式。
type CreateSubmissionRequest struct {
	SubmissionID string          `json:"submission_id,omitempty"`
	Document     DocumentRequest `json:"document"`
	UserID       string          `json:"user_id,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	SigningKeyID string          `json:"signing_key_id,omitempty"`
}

// SubmissionResponse は送信レコードのレスポンス形式。
type SubmissionResponse struct {
	SubmissionID      string `json:"submission_id"`
	DocumentKind      string `json:"document_kind"`
	DocumentID        string `json:"document_id"`
	UserID            string `json:"user_id"`
	Status            string `json:"status"`
	Mode              string `json:"mode"`
	ProviderReference string `json:"provider_reference,omitempty"`
	Attempts          int    `json:"attempts"`
	PollCount         int    `json:"poll_count"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	OriginalFilename  string `json:"original_filename,omitempty"`
	ArtifactSize      int64  `json:"artifact_size,omitempty"`
	ArtifactHash      string `json:"artifact_hash,omitempty"`
	SigningKeyID      string `json:"signing_key_id,omitempty"`
	SubmittedAt       string `json:"submitted_at,omitempty"`
	AcceptedAt        string `json:"accepted_at,omitempty"`
	RejectedAt        string `json:"rejected_at,omitempty"`
	ErroredAt         string `json:"errored_at,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// CallbackRequest はPDPからの判定通知の形式。
type CallbackRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NotificationResponse はアプリ内通知のレスポンス形式。
type NotificationResponse struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Read         bool   `json:"read"`
	CreatedAt    string `json:"created_at"`
}

// NotificationListResponse はアプリ内通知一覧のレスポンス形式。
type NotificationListResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
}

func toSubmissionResponse(s *domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		SubmissionID:      s.SubmissionID,
		DocumentKind:      string(s.Document.Kind),
		DocumentID:        s.Document.ID,
		UserID:            s.UserID,
		Status:            string(s.Status),
		Mode:              string(s.Mode),
		ProviderReference: s.ProviderReference,
		Attempts:          s.Attempts,
		PollCount:         s.PollCount,
		ErrorCode:         s.ErrorCode,
		ErrorMessage:      s.ErrorMessage,
		OriginalFilename:  s.OriginalFilename,
		ArtifactSize:      s.ArtifactSize,
		ArtifactHash:      s.ArtifactHash,
		SigningKeyID:      s.SigningKeyID,
		SubmittedAt:       formatTime(s.SubmittedAt),
		AcceptedAt:        formatTime(s.AcceptedAt),
		RejectedAt:        formatTime(s.RejectedAt),
		ErroredAt:         formatTime(s.ErroredAt),
		CreatedAt:         formatTime(&s.CreatedAt),
		UpdatedAt:         formatTime(&s.UpdatedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeSubmissionError はユースケースのエラーをHTTPレスポンスに変換する。
func writeSubmissionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidDocumentRef):
		httputil.Error(w, http.StatusBadRequest, "INVALID_DOCUMENT_REF", "document kind must be invoice or credit_note with an id")
	case errors.Is(err, domain.ErrInvalidMode):
		httputil.Error(w, http.StatusBadRequest, "INVALID_MODE", "mode must be simulation or production")
	case errors.Is(err, domain.ErrInvalidSubmissionID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_SUBMISSION_ID", "invalid submission ID format")
	case errors.Is(err, domain.ErrInvalidKeyID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
	case errors.Is(err, domain.ErrDocumentNotFound):
		httputil.Error(w, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found")
	case errors.Is(err, domain.ErrSubmissionNotFound):
		httputil.Error(w, http.StatusNotFound, "SUBMISSION_NOT_FOUND", "submission not found")
	case errors.Is(err, domain.ErrSubmissionAlreadyExists):
		httputil.Error(w, http.StatusConflict, "SUBMISSION_ALREADY_EXISTS", "submission already exists")
	case errors.Is(err, domain.ErrJobFailed):
		httputil.Error(w, http.StatusConflict, "JOB_FAILED", "submission has failed permanently")
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// CreateSubmission は送信レコードを登録し、ディスパッチをスケジュールする。
func (h *SubmissionHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req CreateSubmissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	sub, err := h.submissions.Create(r.Context(), usecase.CreateSubmissionInput{
		SubmissionID: req.SubmissionID,
		Document:     domain.DocumentRef{Kind: domain.DocumentKind(req.Document.Kind), ID: req.Document.ID},
		UserID:       req.UserID,
		Mode:         domain.Mode(req.Mode),
		ArtifactPath: req.ArtifactPath,
		SigningKeyID: req.SigningKeyID,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_SUBMISSION", req.SubmissionID, middleware.ResultFailed)
		writeSubmissionError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_SUBMISSION", sub.SubmissionID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusAccepted, toSubmissionResponse(sub))
}

// GetSubmission は送信レコードを取得する。
func (h *SubmissionHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.submissions.Get(r.Context(), chi.URLParam(r, "submission_id"))
	if err != nil {
		writeSubmissionError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toSubmissionResponse(sub))
}

// DispatchSubmission は送信レコードのディスパッチを手動でスケジュールする。
func (h *SubmissionHandler) DispatchSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "submission_id")
	sub, err := h.submissions.Redispatch(r.Context(), submissionID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DISPATCH_SUBMISSION", submissionID, middleware.ResultFailed)
		writeSubmissionError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DISPATCH_SUBMISSION", submissionID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusAccepted, toSubmissionResponse(sub))
}

// HandleCallback はPDPから通知された判定を送信レコードに反映する。
func (h *SubmissionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Reference == "" || req.Status == "" {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reference and status are required")
		return
	}

	err := h.callbacks.HandleCallback(r.Context(), req.Reference, domain.StatusResult{
		Status:  domain.Verdict(req.Status),
		Code:    req.Code,
		Message: req.Message,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "PDP_CALLBACK", req.Reference, middleware.ResultFailed)
		writeSubmissionError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "PDP_CALLBACK", req.Reference, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications は利用者のアプリ内通知を取得する。
func (h *SubmissionHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	notifications, err := h.submissions.Notifications(r.Context(), userID, limit)
	if err != nil {
		writeSubmissionError(w, r, err)
		return
	}

	resp := NotificationListResponse{Notifications: make([]NotificationResponse, 0, len(notifications))}
	for _, n := range notifications {
		resp.Notifications = append(resp.Notifications, NotificationResponse{
			ID:           n.ID,
			SubmissionID: n.SubmissionID,
			Kind:         string(n.Kind),
			Title:        n.Title,
			Body:         n.Body,
			Read:         n.ReadAt != nil,
			CreatedAt:    formatTime(&n.CreatedAt),
		})
	}
	httputil.JSON(w, http.StatusOK, resp)
}
