package handler

import (
	"context"
	"fmt"

	"github.com/hitoshi/devicegate/internal/lease"
	"github.com/hitoshi/devicegate/internal/model"
	"github.com/hitoshi/devicegate/internal/repository"
)

// DeviceServiceAdapter は lease.Service を DeviceServiceInterface に適合させるアダプタ。
type DeviceServiceAdapter struct {
	svc *lease.Service
}

// NewDeviceServiceAdapter はDeviceServiceAdapterを生成する。
func NewDeviceServiceAdapter(svc *lease.Service) *DeviceServiceAdapter {
	return &DeviceServiceAdapter{svc: svc}
}

// Register は端末の利用枠を確保し、handlerレスポンス型で返す。
func (a *DeviceServiceAdapter) Register(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, allowSteal bool) (*registerResponse, error) {
	result, err := a.svc.Register(ctx, accountID, deviceID, meta, allowSteal)
	if err != nil {
		return nil, err
	}

	resp := &registerResponse{
		OK:        true,
		Granted:   result.Granted,
		Reused:    result.Reused,
		SessionID: result.SessionID,
	}
	if result.Evicted != nil {
		evicted := toDeviceResponse(lease.SessionSummary{
			ID:         result.Evicted.ID,
			DeviceID:   result.Evicted.DeviceID,
			DeviceName: result.Evicted.DeviceName,
			UserAgent:  result.Evicted.UserAgent,
			Status:     result.Evicted.Status,
			LastSeen:   result.Evicted.LastSeen,
			CreatedAt:  result.Evicted.CreatedAt,
		})
		resp.Evicted = &evicted
	}
	return resp, nil
}

// Heartbeat は端末の最終アクセス時刻を更新する。
func (a *DeviceServiceAdapter) Heartbeat(ctx context.Context, accountID, deviceID string) (bool, error) {
	return a.svc.Heartbeat(ctx, accountID, deviceID)
}

// Terminate は指定した端末のセッションを終了する。
func (a *DeviceServiceAdapter) Terminate(ctx context.Context, accountID, sessionID, deviceID string) error {
	return a.svc.Terminate(ctx, accountID, lease.Selector{SessionID: sessionID, DeviceID: deviceID})
}

// ListDevices は端末セッション一覧をhandlerレスポンス型で返す。
func (a *DeviceServiceAdapter) ListDevices(ctx context.Context, accountID string) ([]deviceResponse, error) {
	sessions, err := a.svc.ListSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	results := make([]deviceResponse, len(sessions))
	for i, s := range sessions {
		results[i] = toDeviceResponse(s)
	}
	return results, nil
}

// Usage は利用状況をhandlerレスポンス型で返す。
func (a *DeviceServiceAdapter) Usage(ctx context.Context, accountID string) (*usageResponse, error) {
	usage, err := a.svc.Usage(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &usageResponse{
		Limit:       usage.Limit,
		ActiveCount: usage.ActiveCount,
	}, nil
}

// toDeviceResponse はlease.SessionSummaryをhandlerのレスポンス型に変換する。
func toDeviceResponse(s lease.SessionSummary) deviceResponse {
	return deviceResponse{
		ID:         s.ID,
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
		UserAgent:  s.UserAgent,
		Status:     string(s.Status),
		LastSeen:   s.LastSeen,
		CreatedAt:  s.CreatedAt,
		Active:     s.Active,
	}
}

// PlanServiceAdapter は repository.PlanRepository を PlanServiceInterface に適合させるアダプタ。
type PlanServiceAdapter struct {
	repo repository.PlanRepository
}

// NewPlanServiceAdapter はPlanServiceAdapterを生成する。
func NewPlanServiceAdapter(repo repository.PlanRepository) *PlanServiceAdapter {
	return &PlanServiceAdapter{repo: repo}
}

// ListPlans は有効なプランをhandlerレスポンス型で返す。
func (a *PlanServiceAdapter) ListPlans(ctx context.Context) ([]planResponse, error) {
	plans, err := a.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list plans: %w", model.ErrStoreUnavailable, err)
	}

	results := make([]planResponse, len(plans))
	for i, p := range plans {
		features := p.Features
		if features == nil {
			features = []string{}
		}
		results[i] = planResponse{
			Slug:     p.Slug,
			Name:     p.Name,
			Amount:   p.Amount,
			Currency: p.Currency,
			Devices:  p.DeviceLimit(),
			Features: features,
		}
	}
	return results, nil
}

// --- compile-time interface checks ---

var _ DeviceServiceInterface = (*DeviceServiceAdapter)(nil)
var _ PlanServiceInterface = (*PlanServiceAdapter)(nil)
