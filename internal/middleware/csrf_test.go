package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/devicegate/internal/model"
)

// csrfRequest は端末APIへのリクエストを組み立てるためのオプション。
type csrfRequest struct {
	method      string
	path        string
	session     string // セッションCookie（ブラウザのダッシュボード）
	bearer      string // Bearerトークン（プレゼンスエージェント）
	cookieToken string
	headerToken string
}

func (c csrfRequest) build() *http.Request {
	req := httptest.NewRequest(c.method, c.path, nil)
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.session})
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.cookieToken != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: c.cookieToken})
	}
	if c.headerToken != "" {
		req.Header.Set(csrfHeaderName, c.headerToken)
	}
	return req
}

// serveCSRF はCSRFミドルウェアを通してリクエストを処理し、
// レスポンスと後段のハンドラーが呼ばれたかを返す。
func serveCSRF(config CSRFConfig, req *http.Request) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := NewCSRFMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_DeviceEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		req        csrfRequest
		wantCalled bool
	}{
		{
			name:       "一覧の取得はトークン不要",
			req:        csrfRequest{method: http.MethodGet, path: "/api/devices", session: "sess-1"},
			wantCalled: true,
		},
		{
			name:       "HEADはトークン不要",
			req:        csrfRequest{method: http.MethodHead, path: "/api/devices/usage", session: "sess-1"},
			wantCalled: true,
		},
		{
			name:       "プリフライトはトークン不要",
			req:        csrfRequest{method: http.MethodOptions, path: "/api/devices/register"},
			wantCalled: true,
		},
		{
			name:       "ダッシュボードからの登録（トークン一致）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/register", session: "sess-1", cookieToken: "tok-1", headerToken: "tok-1"},
			wantCalled: true,
		},
		{
			name:       "ダッシュボードからの登録（Cookieなし）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/register", session: "sess-1", headerToken: "tok-1"},
			wantCalled: false,
		},
		{
			name:       "ダッシュボードからのハートビート（ヘッダーなし）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/heartbeat", session: "sess-1", cookieToken: "tok-1"},
			wantCalled: false,
		},
		{
			name:       "ダッシュボードからの強制ログアウト（トークン不一致）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/kick", session: "sess-1", cookieToken: "tok-1", headerToken: "forged"},
			wantCalled: false,
		},
		{
			name:       "DELETEによる強制ログアウト（トークンなし）",
			req:        csrfRequest{method: http.MethodDelete, path: "/api/devices/sess-9", session: "sess-1"},
			wantCalled: false,
		},
		{
			name:       "エージェントの登録（Bearerのみ）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/register", bearer: "agent-token"},
			wantCalled: true,
		},
		{
			name:       "エージェントのハートビート（Bearerのみ）",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/heartbeat", bearer: "agent-token"},
			wantCalled: true,
		},
		{
			name:       "BearerとセッションCookieの併用はトークン必須",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/register", bearer: "agent-token", session: "sess-1"},
			wantCalled: false,
		},
		{
			name:       "資格情報なしの登録",
			req:        csrfRequest{method: http.MethodPost, path: "/api/devices/register"},
			wantCalled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, called := serveCSRF(CSRFConfig{}, tt.req.build())

			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
			wantStatus := http.StatusOK
			if !tt.wantCalled {
				wantStatus = http.StatusForbidden
			}
			if w.Result().StatusCode != wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, wantStatus)
			}
		})
	}
}

func TestCSRFMiddleware_Rejection_ReturnsUnifiedError(t *testing.T) {
	req := csrfRequest{method: http.MethodPost, path: "/api/devices/kick", session: "sess-1",
		cookieToken: "cookie-token", headerToken: "other-token"}.build()

	w, _ := serveCSRF(CSRFConfig{}, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeCSRFInvalid {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
	}
}

func TestCSRFMiddleware_SafeRequest_IssuesCookieOnce(t *testing.T) {
	config := CSRFConfig{CookieSecure: true, CookieDomain: "gate.example.com"}

	w, _ := serveCSRF(config, csrfRequest{method: http.MethodGet, path: "/api/devices", session: "sess-1"}.build())

	cookie := findCookie(w.Result(), csrfCookieName)
	if cookie == nil {
		t.Fatal("expected CSRF cookie to be set on device listing")
	}
	if cookie.Value == "" {
		t.Error("CSRF cookie value should not be empty")
	}
	if cookie.HttpOnly {
		t.Error("CSRF cookie should NOT be HttpOnly (dashboard reads it)")
	}
	if !cookie.Secure || cookie.Domain != "gate.example.com" || cookie.Path != "/" {
		t.Errorf("cookie = %+v, want Secure on gate.example.com at /", cookie)
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", cookie.SameSite)
	}

	// 2回目の一覧取得では既存のCookieを置き換えない
	w, _ = serveCSRF(config, csrfRequest{method: http.MethodGet, path: "/api/devices", session: "sess-1",
		cookieToken: cookie.Value}.build())
	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("CSRF cookie should not be re-set when already present")
	}
}

// --- CSRFトークン取得エンドポイント ---

func decodeCSRFToken(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Token string `json:"csrf_token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body.Token
}

func TestCSRFTokenHandler_IssuedTokenUnlocksRegister(t *testing.T) {
	config := CSRFConfig{}

	w := httptest.NewRecorder()
	NewCSRFTokenHandler(config).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	token := decodeCSRFToken(t, w)
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}
	cookie := findCookie(w.Result(), csrfCookieName)
	if cookie == nil || cookie.Value != token {
		t.Fatalf("cookie = %v, want value %q", cookie, token)
	}

	// 発行されたトークンでダッシュボードから端末を登録できる
	req := csrfRequest{method: http.MethodPost, path: "/api/devices/register", session: "sess-1",
		cookieToken: cookie.Value, headerToken: token}.build()
	if _, called := serveCSRF(config, req); !called {
		t.Error("register with issued token should pass")
	}
}

func TestCSRFTokenHandler_ExistingCookie_ReturnsSameToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w := httptest.NewRecorder()

	NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

	if got := decodeCSRFToken(t, w); got != "existing-csrf-token" {
		t.Errorf("token = %q, want existing token", got)
	}
	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("existing CSRF cookie should not be replaced")
	}
}
