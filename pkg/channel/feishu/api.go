package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"skylark/pkg/config"
)

const defaultBaseURL = "https://open.feishu.cn"
const apiRequestTimeout = 15 * time.Second

// tokenExpiryMargin renews the tenant token slightly before the server-side
// expiry to avoid racing an in-flight request against an expiring token.
const tokenExpiryMargin = time.Minute

// httpMessageAPI implements MessageAPI against the Feishu Open API.
type httpMessageAPI struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newHTTPMessageAPI(cfg config.FeishuConfig) MessageAPI {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &httpMessageAPI{
		baseURL:   baseURL,
		appID:     strings.TrimSpace(cfg.AppID),
		appSecret: strings.TrimSpace(cfg.AppSecret),
		client:    &http.Client{Timeout: apiRequestTimeout},
	}
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// CreateMessage sends a new message addressed by chat_id.
func (c *httpMessageAPI) CreateMessage(ctx context.Context, chatID string, content string) (SendResult, error) {
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   msgTypeText,
		"content":    content,
	}

	endpoint := c.baseURL + "/open-apis/im/v1/messages?receive_id_type=chat_id"
	return c.post(ctx, endpoint, body)
}

// ReplyMessage replies to an existing message addressed by message_id.
func (c *httpMessageAPI) ReplyMessage(ctx context.Context, messageID string, content string) (SendResult, error) {
	body := map[string]string{
		"msg_type": msgTypeText,
		"content":  content,
	}

	endpoint := c.baseURL + "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	return c.post(ctx, endpoint, body)
}

func (c *httpMessageAPI) post(ctx context.Context, endpoint string, body map[string]string) (SendResult, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return SendResult{}, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("call feishu api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read feishu response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, fmt.Errorf("parse feishu response (status %d): %w", resp.StatusCode, err)
	}

	return SendResult{
		Success: parsed.Code == 0,
		Code:    parsed.Code,
		Msg:     parsed.Msg,
	}, nil
}

// tenantToken returns a cached tenant access token, fetching a fresh one when
// missing or near expiry.
func (c *httpMessageAPI) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	endpoint := c.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse token response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("tenant token error %d: %s", parsed.Code, parsed.Msg)
	}
	if strings.TrimSpace(parsed.TenantAccessToken) == "" {
		return "", fmt.Errorf("tenant token response missing token")
	}

	c.token = parsed.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(parsed.Expire)*time.Second - tokenExpiryMargin)

	return c.token, nil
}
