package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/devicegate/internal/model"
	"github.com/lib/pq"
)

const deviceSessionColumns = `id, account_id, device_id, device_name, user_agent, status, last_seen, created_at, updated_at`

// PostgresDeviceSessionRepo はPostgreSQLを使用した端末セッションリポジトリ。
type PostgresDeviceSessionRepo struct {
	db *sql.DB
}

// NewPostgresDeviceSessionRepo はPostgresDeviceSessionRepoを生成する。
func NewPostgresDeviceSessionRepo(db *sql.DB) *PostgresDeviceSessionRepo {
	return &PostgresDeviceSessionRepo{db: db}
}

// WithAccountLock はアカウント単位の排他ロックを取得したトランザクション内でfnを実行する。
// ロックはpg_advisory_xact_lockで取得し、コミットまたはロールバック時に解放される。
// 同一アカウントに対する操作は直列化され、異なるアカウント同士は互いにブロックしない。
func (r *PostgresDeviceSessionRepo) WithAccountLock(ctx context.Context, accountID string, fn func(q DeviceSessionQueries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		accountID,
	); err != nil {
		return fmt.Errorf("failed to acquire account lock: %w", err)
	}

	if err := fn(&deviceSessionQueries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TouchIfStale はスロットル間隔を過ぎたアクティブなセッションのlast_seenを更新する。
func (r *PostgresDeviceSessionRepo) TouchIfStale(ctx context.Context, accountID, deviceID string, now, staleBefore, liveSince time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_sessions
		 SET last_seen = $3, updated_at = $3
		 WHERE account_id = $1 AND device_id = $2 AND status = 'active'
		   AND (last_seen IS NULL OR (last_seen < $4 AND last_seen > $5))`,
		accountID, deviceID, now, staleBefore, liveSince,
	)
	if err != nil {
		return false, fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListByAccount はアカウントの全セッションをlast_seenの降順で返す。
// last_seenがNULLのセッションは末尾に並ぶ。
func (r *PostgresDeviceSessionRepo) ListByAccount(ctx context.Context, accountID string) ([]*model.DeviceSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceSessionColumns+`
		 FROM device_sessions
		 WHERE account_id = $1
		 ORDER BY last_seen DESC NULLS LAST, created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("端末セッション一覧の取得に失敗しました: %w", err)
	}
	return scanDeviceSessions(rows)
}

// CountActive はlast_seen > since のアクティブなセッション数を返す。
func (r *PostgresDeviceSessionRepo) CountActive(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_sessions
		 WHERE account_id = $1 AND status = 'active' AND last_seen > $2`,
		accountID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("アクティブな端末数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListAccountsOverCount はアクティブなセッションをminActive台より多く保持するアカウントを返す。
// afterAccountIDを指定するとキーセットページングで続きを取得する。
func (r *PostgresDeviceSessionRepo) ListAccountsOverCount(ctx context.Context, since time.Time, minActive int, afterAccountID string, limit int) ([]AccountActiveCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id, COUNT(*)
		 FROM device_sessions
		 WHERE status = 'active' AND last_seen > $1 AND account_id > $3
		 GROUP BY account_id
		 HAVING COUNT(*) > $2
		 ORDER BY account_id
		 LIMIT $4`,
		since, minActive, afterAccountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts over count: %w", err)
	}
	defer rows.Close()

	var results []AccountActiveCount
	for rows.Next() {
		var c AccountActiveCount
		if err := rows.Scan(&c.AccountID, &c.ActiveCount); err != nil {
			return nil, fmt.Errorf("failed to scan account count: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account counts: %w", err)
	}
	return results, nil
}

// deviceSessionQueries はトランザクション内で実行するDeviceSessionQueriesの実装。
type deviceSessionQueries struct {
	q queryer
}

// ListActive はアクティブセットを古い順で返す。
func (d *deviceSessionQueries) ListActive(ctx context.Context, accountID string, since time.Time) ([]*model.DeviceSession, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+deviceSessionColumns+`
		 FROM device_sessions
		 WHERE account_id = $1 AND status = 'active' AND last_seen > $2
		 ORDER BY last_seen ASC, created_at ASC`,
		accountID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブセットの取得に失敗しました: %w", err)
	}
	return scanDeviceSessions(rows)
}

// Touch は既存セッションを再利用する。未指定のメタデータは既存値を維持する。
func (d *deviceSessionQueries) Touch(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, now time.Time) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE device_sessions
		 SET status = 'active', last_seen = $3,
		     device_name = COALESCE($4, device_name),
		     user_agent = COALESCE($5, user_agent),
		     updated_at = $3
		 WHERE account_id = $1 AND device_id = $2`,
		accountID, deviceID, now, meta.DeviceName, meta.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("端末セッションの更新に失敗しました: %w", err)
	}
	return nil
}

// Upsert はセッションを作成、または既存行をactiveに戻す。
func (d *deviceSessionQueries) Upsert(ctx context.Context, session *model.DeviceSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	if session.LastSeen != nil {
		now = *session.LastSeen
	}
	err := d.q.QueryRowContext(ctx,
		`INSERT INTO device_sessions
		   (id, account_id, device_id, device_name, user_agent, status, last_seen, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $7)
		 ON CONFLICT (account_id, device_id) DO UPDATE SET
		   status = 'active',
		   last_seen = EXCLUDED.last_seen,
		   device_name = COALESCE(EXCLUDED.device_name, device_sessions.device_name),
		   user_agent = COALESCE(EXCLUDED.user_agent, device_sessions.user_agent),
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		session.ID, session.AccountID, session.DeviceID, session.DeviceName, session.UserAgent, session.LastSeen, now,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return fmt.Errorf("端末セッションの登録に失敗しました: %w", err)
	}
	session.Status = model.DeviceStatusActive
	return nil
}

// KickByIDs は指定IDのアクティブなセッションをkickedにする。
func (d *deviceSessionQueries) KickByIDs(ctx context.Context, accountID string, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := d.q.ExecContext(ctx,
		`UPDATE device_sessions
		 SET status = 'kicked', updated_at = $3
		 WHERE account_id = $1 AND id::text = ANY($2) AND status = 'active'`,
		accountID, pq.Array(ids), now,
	)
	if err != nil {
		return 0, fmt.Errorf("端末セッションの追い出しに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// KickBySelector はsessionID、deviceIDで指定されたアクティブなセッションをkickedにする。
func (d *deviceSessionQueries) KickBySelector(ctx context.Context, accountID, sessionID, deviceID string, now time.Time) (int64, error) {
	result, err := d.q.ExecContext(ctx,
		`UPDATE device_sessions
		 SET status = 'kicked', updated_at = $4
		 WHERE account_id = $1 AND status = 'active'
		   AND ($2::text = '' OR id::text = $2::text)
		   AND ($3::text = '' OR device_id = $3::text)`,
		accountID, sessionID, deviceID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("端末セッションの終了に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanDeviceSessions は端末セッション行を読み取り、rowsをクローズする。
func scanDeviceSessions(rows *sql.Rows) ([]*model.DeviceSession, error) {
	defer rows.Close()

	var sessions []*model.DeviceSession
	for rows.Next() {
		s := &model.DeviceSession{}
		var (
			deviceName sql.NullString
			userAgent  sql.NullString
			lastSeen   sql.NullTime
		)
		if err := rows.Scan(
			&s.ID, &s.AccountID, &s.DeviceID, &deviceName, &userAgent,
			&s.Status, &lastSeen, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("端末セッション行の読み取りに失敗しました: %w", err)
		}
		s.DeviceName = nullStringPtr(deviceName)
		s.UserAgent = nullStringPtr(userAgent)
		s.LastSeen = nullTimePtr(lastSeen)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("端末セッション一覧の走査に失敗しました: %w", err)
	}
	return sessions, nil
}

// compile-time interface check
var _ DeviceSessionRepository = (*PostgresDeviceSessionRepo)(nil)
var _ DeviceSessionQueries = (*deviceSessionQueries)(nil)
