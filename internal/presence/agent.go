package presence

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval はハートビートのデフォルト送信間隔。
// サーバー側のスロットル間隔（60秒）より長く、生存判定の猶予（5分）より短い。
const DefaultHeartbeatInterval = 2 * time.Minute

// API はエージェントが使用するサーバーAPI。Clientが実装する。
type API interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, deviceID string) (*HeartbeatResponse, error)
}

// AgentConfig はエージェントの設定。
type AgentConfig struct {
	DeviceID          string
	DeviceName        string
	UserAgent         string
	HeartbeatInterval time.Duration
}

// Agent は端末のプレゼンスを維持するエージェント。
type Agent struct {
	api    API
	logger *slog.Logger
	config AgentConfig
}

// NewAgent は新しいAgentを生成する。
func NewAgent(api API, logger *slog.Logger, config AgentConfig) *Agent {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Agent{
		api:    api,
		logger: logger,
		config: config,
	}
}

// Run は端末を1回登録し、その後ctxがキャンセルされるまでハートビートを送信し続ける。
// 起動時の登録は上限到達時に最も古い端末を追い出す（allow_steal=true）。
// ハートビートがskippedを返した場合は、他の端末を追い出さずに再登録する。
// 登録・ハートビートの失敗はログに記録するのみで、ループは継続する。
func (a *Agent) Run(ctx context.Context) {
	a.register(ctx, true)

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("プレゼンスエージェントを停止しました",
				slog.String("device_id", a.config.DeviceID),
			)
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) register(ctx context.Context, allowSteal bool) {
	resp, err := a.api.Register(ctx, RegisterRequest{
		DeviceID:   a.config.DeviceID,
		DeviceName: nonEmpty(a.config.DeviceName),
		UserAgent:  nonEmpty(a.config.UserAgent),
		AllowSteal: allowSteal,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("端末の登録に失敗しました",
			slog.String("device_id", a.config.DeviceID),
			slog.Bool("allow_steal", allowSteal),
			slog.String("error", err.Error()),
		)
		return
	}

	attrs := []any{
		slog.String("device_id", a.config.DeviceID),
		slog.String("session_id", resp.SessionID),
		slog.Bool("reused", resp.Reused),
	}
	if resp.Evicted != nil {
		attrs = append(attrs, slog.String("evicted_device_id", resp.Evicted.DeviceID))
	}
	a.logger.Info("端末を登録しました", attrs...)
}

func (a *Agent) heartbeat(ctx context.Context) {
	resp, err := a.api.Heartbeat(ctx, a.config.DeviceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("ハートビートの送信に失敗しました",
			slog.String("device_id", a.config.DeviceID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Debug("ハートビートを送信しました",
		slog.String("device_id", a.config.DeviceID),
		slog.Bool("updated", resp.Updated),
	)

	// skippedはセッションが生存判定の猶予を過ぎたか、終了されたことを示す。
	// 空き枠がある場合のみ取り戻す。
	if resp.Skipped {
		a.logger.Info("セッションが無効のため端末を再登録します",
			slog.String("device_id", a.config.DeviceID),
		)
		a.register(ctx, false)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
