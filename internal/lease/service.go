// Package lease は端末スロットのリース管理（登録・ハートビート・終了・強制）を提供する。
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/devicegate/internal/metrics"
	"github.com/hitoshi/devicegate/internal/model"
	"github.com/hitoshi/devicegate/internal/repository"
)

const (
	// DefaultLivenessWindow はセッションをアクティブとみなす最終確認からの経過時間。
	DefaultLivenessWindow = 5 * time.Minute

	// DefaultThrottleWindow はハートビートによるlast_seen更新の最小間隔。
	DefaultThrottleWindow = 60 * time.Second
)

// LimitResolver はアカウントの端末数上限を解決するインターフェース。
type LimitResolver interface {
	Resolve(ctx context.Context, accountID string) (model.DeviceLimit, error)
}

// Config はリース管理の時間パラメータ。ゼロ値の項目はデフォルト値を使用する。
type Config struct {
	LivenessWindow time.Duration
	ThrottleWindow time.Duration
}

// RegisterResult は端末登録の結果を表す。
type RegisterResult struct {
	Granted   bool
	Reused    bool
	SessionID string
	Evicted   *model.DeviceSession // 追い出したセッション（ない場合はnil）
}

// Selector は終了対象のセッションを指定する。
// 空でない条件すべてに一致するセッションが対象となる。
type Selector struct {
	SessionID string
	DeviceID  string
}

// SessionSummary は一覧表示用の端末セッション情報。
type SessionSummary struct {
	ID         string
	DeviceID   string
	DeviceName *string
	UserAgent  *string
	Status     model.DeviceStatus
	LastSeen   *time.Time
	CreatedAt  time.Time
	Active     bool
}

// Usage はアカウントの端末利用状況を表す。
type Usage struct {
	Limit       model.DeviceLimit
	ActiveCount int
}

// Service は端末リース管理のサービス層。
// 同一アカウントへの登録・終了・強制はアカウント単位のロック内で直列化される。
type Service struct {
	repo     repository.DeviceSessionRepository
	resolver LimitResolver
	metrics  metrics.MetricsCollector
	cfg      Config
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.DeviceSessionRepository,
	resolver LimitResolver,
	collector metrics.MetricsCollector,
	cfg Config,
) *Service {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		metrics:  collector,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register は端末にスロットを割り当てる。
//
//   - 端末がすでにアクティブセットに含まれる場合は再利用し、メタデータとlast_seenを更新する。
//   - 空きがある場合は新しいセッションを作成する（kicked済みの行は再アクティブ化する）。
//   - 上限に達している場合、allowStealがfalseなら*model.CapacityExceededErrorを返す。
//     trueなら最も古いセッションを1つだけ追い出してから割り当てる。
func (s *Service) Register(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, allowSteal bool) (*RegisterResult, error) {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	meta = normalizeMetadata(meta)

	start := time.Now()
	result, err := s.register(ctx, accountID, deviceID, meta, allowSteal)
	s.metrics.RecordRegisterLatency(time.Since(start))
	s.metrics.RecordRegistration(registrationOutcome(result, err))
	if err != nil {
		return nil, err
	}

	if result.Evicted != nil {
		s.metrics.RecordEviction(metrics.EvictionSteal, 1)
		slog.Info("上限超過のため最も古い端末を追い出しました",
			slog.String("account_id", accountID),
			slog.String("device_id", deviceID),
			slog.String("evicted_session_id", result.Evicted.ID),
			slog.String("evicted_device_id", result.Evicted.DeviceID),
		)
	}
	return result, nil
}

func (s *Service) register(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, allowSteal bool) (*RegisterResult, error) {
	limit, err := s.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, storeError("端末数上限の解決に失敗しました", err)
	}

	var result *RegisterResult
	err = s.repo.WithAccountLock(ctx, accountID, func(q repository.DeviceSessionQueries) error {
		now := s.now()
		active, err := q.ListActive(ctx, accountID, now.Add(-s.cfg.LivenessWindow))
		if err != nil {
			return err
		}

		for _, session := range active {
			if session.DeviceID == deviceID {
				if err := q.Touch(ctx, accountID, deviceID, meta, now); err != nil {
					return err
				}
				result = &RegisterResult{Granted: true, Reused: true, SessionID: session.ID}
				return nil
			}
		}

		var evicted *model.DeviceSession
		if !limit.Allows(len(active)) && len(active) > 0 {
			if !allowSteal {
				return &model.CapacityExceededError{ActiveCount: len(active), Limit: limit}
			}
			oldest := active[0]
			if _, err := q.KickByIDs(ctx, accountID, []string{oldest.ID}, now); err != nil {
				return err
			}
			oldest.Status = model.DeviceStatusKicked
			evicted = oldest
		}

		session := &model.DeviceSession{
			AccountID:  accountID,
			DeviceID:   deviceID,
			DeviceName: meta.DeviceName,
			UserAgent:  meta.UserAgent,
			LastSeen:   &now,
		}
		if err := q.Upsert(ctx, session); err != nil {
			return err
		}
		result = &RegisterResult{Granted: true, SessionID: session.ID, Evicted: evicted}
		return nil
	})
	if err != nil {
		return nil, storeError("端末の登録に失敗しました", err)
	}
	return result, nil
}

// Heartbeat は端末のlast_seenを更新する。
// 前回の更新からスロットル間隔が経過していない場合や、セッションがアクティブでない場合は
// 何もせずfalseを返す。ハートビートによってアクティブな端末数が変わることはない。
func (s *Service) Heartbeat(ctx context.Context, accountID, deviceID string) (bool, error) {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return false, err
	}

	now := s.now()
	updated, err := s.repo.TouchIfStale(ctx, accountID, deviceID, now,
		now.Add(-s.cfg.ThrottleWindow), now.Add(-s.cfg.LivenessWindow))
	if err != nil {
		return false, storeError("ハートビートの記録に失敗しました", err)
	}
	s.metrics.RecordHeartbeat(updated)
	return updated, nil
}

// Terminate は指定されたセッションをkickedにする。
// 一致するセッションがない場合も成功として扱う。
func (s *Service) Terminate(ctx context.Context, accountID string, sel Selector) error {
	sel.SessionID = strings.TrimSpace(sel.SessionID)
	sel.DeviceID = strings.TrimSpace(sel.DeviceID)
	if sel.SessionID == "" && sel.DeviceID == "" {
		return model.NewMissingSelectorError()
	}

	var kicked int64
	err := s.repo.WithAccountLock(ctx, accountID, func(q repository.DeviceSessionQueries) error {
		var err error
		kicked, err = q.KickBySelector(ctx, accountID, sel.SessionID, sel.DeviceID, s.now())
		return err
	})
	if err != nil {
		return storeError("セッションの終了に失敗しました", err)
	}

	s.metrics.RecordEviction(metrics.EvictionManual, int(kicked))
	slog.Info("セッションを終了しました",
		slog.String("account_id", accountID),
		slog.String("session_id", sel.SessionID),
		slog.String("device_id", sel.DeviceID),
		slog.Int64("kicked", kicked),
	)
	return nil
}

// ListSessions はアカウントの全セッションを最終確認の新しい順で返す。
func (s *Service) ListSessions(ctx context.Context, accountID string) ([]SessionSummary, error) {
	sessions, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, storeError("端末セッション一覧の取得に失敗しました", err)
	}

	since := s.now().Add(-s.cfg.LivenessWindow)
	results := make([]SessionSummary, len(sessions))
	for i, session := range sessions {
		results[i] = SessionSummary{
			ID:         session.ID,
			DeviceID:   session.DeviceID,
			DeviceName: session.DeviceName,
			UserAgent:  session.UserAgent,
			Status:     session.Status,
			LastSeen:   session.LastSeen,
			CreatedAt:  session.CreatedAt,
			Active:     session.IsLive(since),
		}
	}
	return results, nil
}

// Usage はアカウントの端末数上限と現在のアクティブな端末数を返す。
func (s *Service) Usage(ctx context.Context, accountID string) (*Usage, error) {
	limit, err := s.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, storeError("端末数上限の解決に失敗しました", err)
	}
	count, err := s.repo.CountActive(ctx, accountID, s.now().Add(-s.cfg.LivenessWindow))
	if err != nil {
		return nil, storeError("アクティブな端末数の取得に失敗しました", err)
	}
	return &Usage{Limit: limit, ActiveCount: count}, nil
}

// Enforce はアクティブな端末数が上限を超えている場合に、古い順に超過分を追い出す。
// プランのダウングレードなどで発生した超過を解消するために使用する。追い出した数を返す。
func (s *Service) Enforce(ctx context.Context, accountID string) (int, error) {
	limit, err := s.resolver.Resolve(ctx, accountID)
	if err != nil {
		return 0, storeError("端末数上限の解決に失敗しました", err)
	}
	if limit.IsUnlimited() {
		return 0, nil
	}

	var kicked int64
	err = s.repo.WithAccountLock(ctx, accountID, func(q repository.DeviceSessionQueries) error {
		now := s.now()
		active, err := q.ListActive(ctx, accountID, now.Add(-s.cfg.LivenessWindow))
		if err != nil {
			return err
		}
		overflow := limit.Overflow(len(active))
		if overflow == 0 {
			return nil
		}
		ids := make([]string, overflow)
		for i := range ids {
			ids[i] = active[i].ID
		}
		kicked, err = q.KickByIDs(ctx, accountID, ids, now)
		return err
	})
	if err != nil {
		return 0, storeError("上限超過の解消に失敗しました", err)
	}

	if kicked > 0 {
		s.metrics.RecordEviction(metrics.EvictionReconcile, int(kicked))
		slog.Info("上限を超過していた端末を追い出しました",
			slog.String("account_id", accountID),
			slog.String("limit", limit.String()),
			slog.Int64("kicked", kicked),
		)
	}
	return int(kicked), nil
}

// storeError はデータストア起因のエラーをmodel.ErrStoreUnavailableでラップする。
// 上限超過エラーなどのドメインエラーはそのまま返す。
func storeError(msg string, err error) error {
	var capErr *model.CapacityExceededError
	var apiErr *model.APIError
	if errors.As(err, &capErr) || errors.As(err, &apiErr) || errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, msg, err)
}

func registrationOutcome(result *RegisterResult, err error) string {
	var capErr *model.CapacityExceededError
	switch {
	case errors.As(err, &capErr):
		return metrics.OutcomeRejected
	case err != nil:
		return metrics.OutcomeError
	case result.Reused:
		return metrics.OutcomeReused
	case result.Evicted != nil:
		return metrics.OutcomeEvicted
	default:
		return metrics.OutcomeGranted
	}
}

func normalizeDeviceID(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", model.NewMissingDeviceIDError()
	}
	if utf8.RuneCountInString(deviceID) > model.MaxDeviceIDLength {
		return "", model.NewDeviceIDTooLongError()
	}
	return deviceID, nil
}

// normalizeMetadata は空白のみのメタデータを未指定として扱い、長すぎる端末名を切り詰める。
func normalizeMetadata(meta model.DeviceMetadata) model.DeviceMetadata {
	name := trimmedOrNil(meta.DeviceName)
	if name != nil {
		if r := []rune(*name); len(r) > model.MaxDeviceNameLength {
			truncated := string(r[:model.MaxDeviceNameLength])
			name = &truncated
		}
	}
	return model.DeviceMetadata{
		DeviceName: name,
		UserAgent:  trimmedOrNil(meta.UserAgent),
	}
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
