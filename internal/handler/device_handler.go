package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/devicegate/internal/middleware"
	"github.com/hitoshi/devicegate/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 64 << 10

// DeviceServiceInterface は端末ハンドラーが必要とするサービスインターフェース。
type DeviceServiceInterface interface {
	// Register は端末の利用枠を確保する。上限到達時は*model.CapacityExceededErrorを返す。
	Register(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, allowSteal bool) (*registerResponse, error)
	// Heartbeat は端末の最終アクセス時刻を更新する。更新した場合はtrueを返す。
	Heartbeat(ctx context.Context, accountID, deviceID string) (bool, error)
	// Terminate はsessionIDまたはdeviceIDで指定した端末のセッションを終了する。
	Terminate(ctx context.Context, accountID, sessionID, deviceID string) error
	// ListDevices はアカウントの端末セッション一覧を最終アクセスの新しい順で返す。
	ListDevices(ctx context.Context, accountID string) ([]deviceResponse, error)
	// Usage は上限と利用中の端末数を返す。
	Usage(ctx context.Context, accountID string) (*usageResponse, error)
}

// DeviceHandler は端末の利用枠管理のHTTPハンドラー。
type DeviceHandler struct {
	service DeviceServiceInterface
}

// NewDeviceHandler はDeviceHandlerを生成する。
func NewDeviceHandler(service DeviceServiceInterface) *DeviceHandler {
	return &DeviceHandler{
		service: service,
	}
}

// deviceResponse は端末セッションのAPIレスポンス。
type deviceResponse struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	DeviceName *string    `json:"device_name,omitempty"`
	UserAgent  *string    `json:"user_agent,omitempty"`
	Status     string     `json:"status"`
	LastSeen   *time.Time `json:"last_seen"`
	CreatedAt  time.Time  `json:"created_at"`
	Active     bool       `json:"active"`
}

// registerResponse は端末登録成功時のAPIレスポンス。
type registerResponse struct {
	OK        bool            `json:"ok"`
	Granted   bool            `json:"granted"`
	Reused    bool            `json:"reused"`
	SessionID string          `json:"session_id"`
	Evicted   *deviceResponse `json:"evicted,omitempty"`
}

// usageResponse は利用状況のAPIレスポンス。
type usageResponse struct {
	Limit       model.DeviceLimit `json:"limit"`
	ActiveCount int               `json:"active_count"`
}

// capacityExceededResponse は上限到達時（409）のAPIレスポンス。
// 統一エラーフォーマットに、サインアウト誘導用の利用状況を加える。
type capacityExceededResponse struct {
	middleware.ErrorResponseBody
	ActiveCount int               `json:"active_count"`
	Limit       model.DeviceLimit `json:"limit"`
	CanSteal    bool              `json:"can_steal"`
}

// registerRequest は端末登録リクエストのボディ。
// allow_stealの別名としてstealも受け付ける。
type registerRequest struct {
	DeviceID   string  `json:"device_id"`
	DeviceName *string `json:"device_name"`
	UserAgent  *string `json:"user_agent"`
	AllowSteal *bool   `json:"allow_steal"`
	Steal      *bool   `json:"steal"`
}

func (r registerRequest) allowSteal() bool {
	if r.AllowSteal != nil {
		return *r.AllowSteal
	}
	return r.Steal != nil && *r.Steal
}

// heartbeatRequest はハートビートリクエストのボディ。
type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
}

// kickRequest は端末セッション終了リクエストのボディ。
// session_idの別名としてidも受け付ける。
type kickRequest struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
}

// Register は端末の利用枠を確保する。
// POST /api/devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req registerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	meta := model.DeviceMetadata{
		DeviceName: req.DeviceName,
		UserAgent:  req.UserAgent,
	}
	if meta.UserAgent == nil {
		if ua := r.UserAgent(); ua != "" {
			meta.UserAgent = &ua
		}
	}

	result, err := h.service.Register(r.Context(), accountID, strings.TrimSpace(req.DeviceID), meta, req.allowSteal())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// Heartbeat は端末の最終アクセス時刻を更新する。
// スロットル間隔内のリクエストは書き込みを行わず、skipped: true を返す。
// POST /api/devices/heartbeat
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	updated, err := h.service.Heartbeat(r.Context(), accountID, strings.TrimSpace(req.DeviceID))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{
		"ok":      true,
		"updated": updated,
		"skipped": !updated,
	})
}

// ListDevices はアカウントの端末セッション一覧を返す。
// GET /api/devices
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	devices, err := h.service.ListDevices(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if devices == nil {
		devices = []deviceResponse{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string][]deviceResponse{
		"devices": devices,
	})
}

// Kick は端末IDまたはセッションIDで指定した端末をサインアウトさせる。
// 該当するセッションがない場合も成功として扱う。
// POST /api/devices/kick
func (h *DeviceHandler) Kick(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req kickRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(req.ID)
	}

	if err := h.service.Terminate(r.Context(), accountID, sessionID, strings.TrimSpace(req.DeviceID)); err != nil {
		handleServiceError(w, err)
		return
	}

	writeOK(w)
}

// DeleteSession はセッションIDで指定した端末をサインアウトさせる。
// DELETE /api/devices/{sessionID}
func (h *DeviceHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))

	if err := h.service.Terminate(r.Context(), accountID, sessionID, ""); err != nil {
		handleServiceError(w, err)
		return
	}

	writeOK(w)
}

// Usage は上限と利用中の端末数を返す。
// GET /api/devices/usage
func (h *DeviceHandler) Usage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	usage, err := h.service.Usage(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, usage)
}

// accountIDOrUnauthorized はコンテキストからアカウントIDを取り出す。
// 取り出せない場合は401を書き込み、falseを返す。
func accountIDOrUnauthorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return accountID, true
}

// decodeJSONBody はリクエストボディをJSONとしてvに読み込む。
// 失敗した場合は400を書き込み、falseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter) {
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var capErr *model.CapacityExceededError
	if errors.As(err, &capErr) {
		middleware.WriteJSON(w, http.StatusConflict, capacityExceededResponse{
			ErrorResponseBody: middleware.NewErrorResponseBody(capErr.APIError()),
			ActiveCount:       capErr.ActiveCount,
			Limit:             capErr.Limit,
			CanSteal:          true,
		})
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if errors.Is(err, model.ErrStoreUnavailable) {
		slog.Warn("store unavailable", slog.String("error", err.Error()))
		middleware.WriteStoreUnavailable(w)
		return
	}

	// 詳細はログのみに記録する
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeMissingDeviceID, model.ErrCodeDeviceIDTooLong,
		model.ErrCodeMissingSelector:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	case model.ErrCodeDeviceLimitReached:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
