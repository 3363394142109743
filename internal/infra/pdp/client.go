// Package pdp はPDP（電子請求書の受付プラットフォーム）との通信を提供する。
package pdp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pdp-submission-service/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody はエラーレスポンスから読み取る最大バイト数。
const maxErrorBody = 4 << 10

// Client は本番PDPのHTTP APIクライアント。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient は新しい Client を生成する。
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("PDP base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing PDP base URL: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type submitRequest struct {
	domain.SubmissionMeta
	Content string `json:"content"`
}

type submitResponse struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit は成果物をPDPへ送信する。
func (c *Client) Submit(ctx context.Context, artifact []byte, meta domain.SubmissionMeta) (domain.SubmitResult, error) {
	body, err := json.Marshal(submitRequest{
		SubmissionMeta: meta,
		Content:        base64.StdEncoding.EncodeToString(artifact),
	})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("encoding submit request: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/documents", body, &resp); err != nil {
		return domain.SubmitResult{}, err
	}
	if !resp.Accepted {
		return domain.SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrPermanentSubmission, resp.Message)
	}
	// 参照番号がなければ状態照会ができないため受理とは扱わない
	if resp.Reference == "" {
		return domain.SubmitResult{}, fmt.Errorf("%w: accepted without a reference", domain.ErrTransientTransport)
	}
	return domain.SubmitResult{
		Accepted:          true,
		ProviderReference: resp.Reference,
		Message:           resp.Message,
	}, nil
}

// CheckStatus は送信済み文書の処理状況を照会する。
func (c *Client) CheckStatus(ctx context.Context, providerRef string) (domain.StatusResult, error) {
	if providerRef == "" {
		return domain.StatusResult{}, fmt.Errorf("%w: empty provider reference", domain.ErrPermanentSubmission)
	}
	var resp statusResponse
	path := "/v1/documents/" + url.PathEscape(providerRef) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.StatusResult{}, err
	}
	return domain.StatusResult{
		Status:  domain.Verdict(resp.Status),
		Code:    resp.Code,
		Message: resp.Message,
	}, nil
}

// do はリクエストを送信し、ステータスコードをエラー分類に変換する。
// 5xx・429・通信エラーは一時的障害、それ以外の4xxは恒久的な拒否として扱う。
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: PDP returned %d: %s", domain.ErrTransientTransport, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: PDP returned %d: %s", domain.ErrPermanentSubmission, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding PDP response: %v", domain.ErrTransientTransport, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
