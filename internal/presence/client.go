// Package presence は端末側で動作するプレゼンスエージェントを提供する。
// 起動時に端末を登録し、以降は定期的にハートビートを送信して利用枠を維持する。
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	registerPath  = "/api/devices/register"
	heartbeatPath = "/api/devices/heartbeat"

	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
)

// RegisterRequest は端末登録リクエスト。
type RegisterRequest struct {
	DeviceID   string  `json:"device_id"`
	DeviceName *string `json:"device_name,omitempty"`
	UserAgent  *string `json:"user_agent,omitempty"`
	AllowSteal bool    `json:"allow_steal"`
}

// EvictedDevice は登録時に追い出された端末の情報。
type EvictedDevice struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
}

// RegisterResponse は端末登録レスポンス。
type RegisterResponse struct {
	OK        bool           `json:"ok"`
	Granted   bool           `json:"granted"`
	Reused    bool           `json:"reused"`
	SessionID string         `json:"session_id"`
	Evicted   *EvictedDevice `json:"evicted,omitempty"`
}

// HeartbeatResponse はハートビートレスポンス。
type HeartbeatResponse struct {
	OK      bool `json:"ok"`
	Updated bool `json:"updated"`
	Skipped bool `json:"skipped"`
}

// ResponseError はサーバーがエラーステータスを返したことを示す。
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("サーバーがステータス %d を返しました", e.StatusCode)
	}
	return fmt.Sprintf("サーバーがステータス %d を返しました: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// Client はdevicegate APIのクライアント。
// Authorization: Bearer ヘッダーでアカウントを識別する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  "devicegate-agent/1.0",
	}
}

// Register は端末を登録して利用枠を確保する。
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, registerPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat は端末の最終アクセス時刻の更新を要求する。
func (c *Client) Heartbeat(ctx context.Context, deviceID string) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.post(ctx, heartbeatPath, map[string]string{"device_id": deviceID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post はJSONボディでPOSTし、2xxレスポンスをoutにデコードする。
// 2xx以外の場合は*ResponseErrorを返す。
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("エンドポイントURLの構築に失敗しました: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s の呼び出しに失敗しました: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respErr := &ResponseError{StatusCode: resp.StatusCode}
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil {
			respErr.Code = apiErr.Code
			respErr.Message = apiErr.Message
		}
		return respErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
