package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/devicegate/internal/middleware"
	"github.com/hitoshi/devicegate/internal/model"
)

// PlanServiceInterface はプランハンドラーが必要とするサービスインターフェース。
type PlanServiceInterface interface {
	// ListPlans は有効なプランを表示順で返す。
	ListPlans(ctx context.Context) ([]planResponse, error)
}

// PlanHandler はプランカタログのHTTPハンドラー。
type PlanHandler struct {
	service PlanServiceInterface
}

// NewPlanHandler はPlanHandlerを生成する。
func NewPlanHandler(service PlanServiceInterface) *PlanHandler {
	return &PlanHandler{service: service}
}

// planResponse はプランのAPIレスポンス。
// devicesは台数、または無制限の場合は "unlimited"。
type planResponse struct {
	Slug     string            `json:"slug"`
	Name     string            `json:"name"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Devices  model.DeviceLimit `json:"devices"`
	Features []string          `json:"features"`
}

// ListPlans は有効なプランの一覧を返す。認証不要。
// GET /api/plans
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if plans == nil {
		plans = []planResponse{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string][]planResponse{
		"plans": plans,
	})
}
