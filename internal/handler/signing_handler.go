package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pdp-submission-service/internal/domain"
	"pdp-submission-service/internal/middleware"
	"pdp-submission-service/pkg/httputil"
)

// SigningUsecase は署名鍵の管理と署名・検証のユースケース。
type SigningUsecase interface {
	CreateKey(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error)
	GetKey(ctx context.Context, keyID string) (*domain.SigningKey, error)
	ListKeys(ctx context.Context) ([]*domain.SigningKey, error)
	DeleteKey(ctx context.Context, keyID string) error
	GetCertificate(ctx context.Context, keyID string) (string, error)
	StoreCertificate(ctx context.Context, keyID, certificatePEM string) error
	Sign(ctx context.Context, keyID string, data []byte, alg domain.SignatureAlgorithm) (string, error)
	Verify(ctx context.Context, keyID string, data []byte, signature string, alg domain.SignatureAlgorithm) (bool, error)
	Status(ctx context.Context) (*domain.ProviderStatus, error)
}

// SigningHandler は署名鍵のHTTPハンドラを提供する。
type SigningHandler struct {
	service SigningUsecase
}

// NewSigningHandler は新しいSigningHandlerを生成する。
func NewSigningHandler(service SigningUsecase) *SigningHandler {
	return &SigningHandler{service: service}
}

// CreateKeyRequest は鍵ペア生成のリクエスト形式。
type CreateKeyRequest struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm,omitempty"`
	KeySize   int    `json:"key_size,omitempty"`
}

// CreateKeyResponse は鍵ペア生成のレスポンス形式。
type CreateKeyResponse struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	KeyID          string `json:"key_id"`
	Algorithm      string `json:"algorithm"`
	KeySize        int    `json:"key_size"`
	Backend        string `json:"backend"`
	Status         string `json:"status"`
	PublicKey      string `json:"public_key,omitempty"`
	HasCertificate bool   `json:"has_certificate"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// CertificateRequest は証明書保存のリクエスト形式。
type CertificateRequest struct {
	Certificate string `json:"certificate"`
}

// CertificateResponse は証明書のレスポンス形式。
type CertificateResponse struct {
	KeyID       string `json:"key_id"`
	Certificate string `json:"certificate"`
}

// SignRequest は署名のリクエスト形式。data はBase64。
type SignRequest struct {
	Data      string `json:"data"`
	Algorithm string `json:"algorithm,omitempty"`
}

// SignResponse は署名のレスポンス形式。
type SignResponse struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

// VerifyRequest は署名検証のリクエスト形式。
type VerifyRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm,omitempty"`
}

// VerifyResponse は署名検証のレスポンス形式。
type VerifyResponse struct {
	KeyID string `json:"key_id"`
	Valid bool   `json:"valid"`
}

// SigningStatusResponse は署名プロバイダーの稼働状況のレスポンス形式。
type SigningStatusResponse struct {
	Backend   string            `json:"backend"`
	Provider  string            `json:"provider,omitempty"`
	Available bool              `json:"available"`
	KeyCount  int               `json:"key_count"`
	Details   map[string]string `json:"details,omitempty"`
}

func toKeyMetadataResponse(k *domain.SigningKey) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		KeyID:          k.KeyID,
		Algorithm:      string(k.Algorithm),
		KeySize:        k.KeySize,
		Backend:        string(k.Backend),
		Status:         string(k.Status),
		PublicKey:      k.PublicKeyPEM,
		HasCertificate: k.HasCertificate(),
	}
	if !k.CreatedAt.IsZero() {
		resp.CreatedAt = k.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// writeSigningError は署名系のエラーをHTTPレスポンスに変換する。
func writeSigningError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidKeyID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
	case errors.Is(err, domain.ErrInvalidKeyOptions):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_OPTIONS", "algorithm must be RSA with key size 2048, 3072 or 4096")
	case errors.Is(err, domain.ErrUnsupportedAlgorithm):
		httputil.Error(w, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", "signature algorithm must be RS256, RS384 or RS512")
	case errors.Is(err, domain.ErrInvalidCertificate):
		httputil.Error(w, http.StatusBadRequest, "INVALID_CERTIFICATE", "certificate is not a valid PEM")
	case errors.Is(err, domain.ErrCertificateMismatch):
		httputil.Error(w, http.StatusUnprocessableEntity, "CERTIFICATE_MISMATCH", "certificate does not match key pair")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrKeyAlreadyExists):
		httputil.Error(w, http.StatusConflict, "KEY_ALREADY_EXISTS", "key already exists")
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// CreateKey は新しい鍵ペアを生成する。
func (h *SigningHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	key, err := h.service.CreateKey(r.Context(), req.KeyID, domain.KeyOptions{
		Algorithm: domain.KeyAlgorithm(req.Algorithm),
		KeySize:   req.KeySize,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_KEY", req.KeyID, middleware.ResultFailed)
		writeSigningError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_KEY", key.KeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, CreateKeyResponse{KeyID: key.KeyID, PublicKey: key.PublicKeyPEM})
}

// ListKeys は鍵一覧を取得する。
func (h *SigningHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeys(r.Context())
	if err != nil {
		writeSigningError(w, r, err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyMetadataResponse, 0, len(keys))}
	for _, k := range keys {
		resp.Keys = append(resp.Keys, toKeyMetadataResponse(k))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetKey は鍵のメタデータを取得する。
func (h *SigningHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.service.GetKey(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		writeSigningError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(key))
}

// DeleteKey は鍵を削除する。
func (h *SigningHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := h.service.DeleteKey(r.Context(), keyID); err != nil {
		middleware.WriteAuditLog(r.Context(), "DELETE_KEY", keyID, middleware.ResultFailed)
		writeSigningError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_KEY", keyID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// GetCertificate は鍵に添付された証明書を取得する。
func (h *SigningHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	cert, err := h.service.GetCertificate(r.Context(), keyID)
	if err != nil {
		writeSigningError(w, r, err)
		return
	}
	if cert == "" {
		httputil.Error(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "no certificate attached to this key")
		return
	}
	httputil.JSON(w, http.StatusOK, CertificateResponse{KeyID: keyID, Certificate: cert})
}

// StoreCertificate は鍵ペアに対応する証明書を保存する。
func (h *SigningHandler) StoreCertificate(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	var req CertificateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := h.service.StoreCertificate(r.Context(), keyID, req.Certificate); err != nil {
		middleware.WriteAuditLog(r.Context(), "STORE_CERTIFICATE", keyID, middleware.ResultFailed)
		writeSigningError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "STORE_CERTIFICATE", keyID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// Sign はデータに署名する。
func (h *SigningHandler) Sign(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	var req SignRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DATA", "data must be base64 encoded")
		return
	}

	alg := algorithmOrDefault(req.Algorithm)
	sig, err := h.service.Sign(r.Context(), keyID, data, alg)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "SIGN", keyID, middleware.ResultFailed)
		writeSigningError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "SIGN", keyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, SignResponse{KeyID: keyID, Algorithm: string(alg), Signature: sig})
}

// Verify は署名を検証する。署名が一致しない場合も200で valid=false を返す。
func (h *SigningHandler) Verify(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	var req VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DATA", "data must be base64 encoded")
		return
	}

	valid, err := h.service.Verify(r.Context(), keyID, data, req.Signature, algorithmOrDefault(req.Algorithm))
	if err != nil {
		writeSigningError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, VerifyResponse{KeyID: keyID, Valid: valid})
}

// Status は署名プロバイダーの稼働状況を返す。
func (h *SigningHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		writeSigningError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, SigningStatusResponse{
		Backend:   string(status.Backend),
		Provider:  status.Provider,
		Available: status.Available,
		KeyCount:  status.KeyCount,
		Details:   status.Details,
	})
}

func algorithmOrDefault(alg string) domain.SignatureAlgorithm {
	if alg == "" {
		return domain.RS256
	}
	return domain.SignatureAlgorithm(alg)
}
