package tools

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// HTTPBackend forwards tool calls to a tenant's domain service as JSON:
//
//	POST {baseURL}/tools/{tool}
//	{"tenant_id": "...", "tool": "...", "arguments": {...}}
//
// and expects {"success": bool, "payload": {...}, "confirmation": "...",
// "error": "..."} back. When a signing secret is set the body is signed
// with HMAC-SHA256 in X-Switchboard-Signature.
type HTTPBackend struct {
	baseURL string
	secret  string
	client  *http.Client
}

// HTTPOption configures the backend.
type HTTPOption func(*HTTPBackend)

// WithSigningSecret signs outbound tool requests.
func WithSigningSecret(secret string) HTTPOption {
	return func(b *HTTPBackend) { b.secret = secret }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend creates a tool backend. Per-call deadlines come from the
// executor; the client timeout is only a backstop.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type toolRequest struct {
	TenantID  string         `json:"tenant_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type toolResponse struct {
	Success      bool           `json:"success"`
	Payload      map[string]any `json:"payload"`
	Confirmation string         `json:"confirmation"`
	Error        string         `json:"error"`
}

// Invoke implements Handler.
func (b *HTTPBackend) Invoke(ctx context.Context, tenant *models.TenantConfig, tool string, args map[string]any) (*models.ToolResult, error) {
	body, err := json.Marshal(toolRequest{TenantID: tenant.ID, Tool: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := b.baseURL + "/tools/" + tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", tenant.ID)
	if b.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(b.secret))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		req.Header.Set("X-Switchboard-Timestamp", ts)
		req.Header.Set("X-Switchboard-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool backend returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var tr toolResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &models.ToolResult{
		Success:      tr.Success,
		Payload:      tr.Payload,
		Confirmation: tr.Confirmation,
		Error:        tr.Error,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
