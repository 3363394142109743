package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pdp-submission-service/internal/infra/keystore"
	"pdp-submission-service/internal/signing"
	"pdp-submission-service/internal/usecase"
)

// newTestRouter はファイル鍵ストアとシミュレータ署名プロバイダーでルーターを組み立てる。
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := keystore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	encrypter, err := signing.NewPassphraseEncrypter("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewPassphraseEncrypter failed: %v", err)
	}
	provider, err := signing.NewSimulatorProvider(store, encrypter, "test")
	if err != nil {
		t.Fatalf("NewSimulatorProvider failed: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })

	submissions := NewSubmissionHandler(&mockSubmissionUsecase{}, &mockCallbackUsecase{})
	return NewRouter(submissions, NewSigningHandler(usecase.NewSigningService(provider)), nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSigningHandler_SignVerifyRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/keys", CreateKeyRequest{KeyID: "tenant-42", Algorithm: "RSA", KeySize: 2048})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: want 201, got %d: %s", w.Code, w.Body.String())
	}
	var created CreateKeyResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.KeyID != "tenant-42" || created.PublicKey == "" {
		t.Errorf("unexpected response: %+v", created)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/keys", CreateKeyRequest{KeyID: "tenant-42"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: want 409, got %d", w.Code)
	}

	data := []byte("invoice-INV-2024-001")
	w = doJSON(t, router, http.MethodPost, "/v1/keys/tenant-42/sign", SignRequest{Data: base64.StdEncoding.EncodeToString(data)})
	if w.Code != http.StatusOK {
		t.Fatalf("sign: want 200, got %d: %s", w.Code, w.Body.String())
	}
	var signed SignResponse
	if err := json.NewDecoder(w.Body).Decode(&signed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if signed.Algorithm != "RS256" || signed.Signature == "" {
		t.Errorf("unexpected response: %+v", signed)
	}

	verify := func(payload []byte) bool {
		t.Helper()
		w := doJSON(t, router, http.MethodPost, "/v1/keys/tenant-42/verify", VerifyRequest{
			Data:      base64.StdEncoding.EncodeToString(payload),
			Signature: signed.Signature,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("verify: want 200, got %d", w.Code)
		}
		var resp VerifyResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp.Valid
	}
	if !verify(data) {
		t.Error("signature should verify against the original data")
	}
	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xff
	if verify(corrupted) {
		t.Error("signature must not verify against corrupted data")
	}
}

func TestSigningHandler_KeyLifecycle(t *testing.T) {
	router := newTestRouter(t)

	if w := doJSON(t, router, http.MethodPost, "/v1/keys", CreateKeyRequest{KeyID: "tenant-7"}); w.Code != http.StatusCreated {
		t.Fatalf("create: want 201, got %d", w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/v1/keys", nil)
	var list KeyListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(list.Keys) != 1 || list.Keys[0].KeyID != "tenant-7" || list.Keys[0].KeySize != 2048 {
		t.Errorf("unexpected list: %+v", list)
	}

	if w := doJSON(t, router, http.MethodGet, "/v1/keys/tenant-7/certificate", nil); w.Code != http.StatusNotFound {
		t.Errorf("certificate: want 404, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/v1/keys/tenant-7", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: want 204, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/v1/keys/tenant-7", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: want 404, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/v1/keys/tenant-7", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: want 404, got %d", w.Code)
	}
}

func TestSigningHandler_Validation(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"invalid key id", http.MethodPost, "/v1/keys", CreateKeyRequest{KeyID: "bad/key"}, http.StatusBadRequest, "INVALID_KEY_ID"},
		{"invalid key size", http.MethodPost, "/v1/keys", CreateKeyRequest{KeyID: "tenant-1", KeySize: 1024}, http.StatusBadRequest, "INVALID_KEY_OPTIONS"},
		{"data not base64", http.MethodPost, "/v1/keys/tenant-1/sign", SignRequest{Data: "%%%"}, http.StatusBadRequest, "INVALID_DATA"},
		{"sign unknown key", http.MethodPost, "/v1/keys/missing/sign", SignRequest{Data: "aGVsbG8="}, http.StatusNotFound, "KEY_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("want %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if code := decodeError(t, w); code != tt.wantErr {
				t.Errorf("want %s, got %s", tt.wantErr, code)
			}
		})
	}
}

func TestRouter_HealthzAndStatus(t *testing.T) {
	router := newTestRouter(t)

	if w := doJSON(t, router, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/v1/signing/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", w.Code)
	}
	var status SigningStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Backend != "simulator" || !status.Available {
		t.Errorf("unexpected status: %+v", status)
	}
}
