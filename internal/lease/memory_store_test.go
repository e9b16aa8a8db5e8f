package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/devicegate/internal/model"
	"github.com/hitoshi/devicegate/internal/repository"
)

var errInjected = errors.New("injected store failure")

// memoryStore はテスト用のインメモリDeviceSessionRepository。
// WithAccountLockは全体をロックし、fnがエラーを返した場合は変更を破棄する。
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.DeviceSession
	seq      int

	// failOn に操作名を設定すると、その操作でerrInjectedを返す。
	failOn string
	writes int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*model.DeviceSession)}
}

func sessionKey(accountID, deviceID string) string {
	return accountID + "/" + deviceID
}

func (m *memoryStore) WithAccountLock(ctx context.Context, accountID string, fn func(q repository.DeviceSessionQueries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn == "lock" {
		return errInjected
	}

	working := make(map[string]*model.DeviceSession, len(m.sessions))
	for k, v := range m.sessions {
		c := *v
		working[k] = &c
	}
	q := &memoryQueries{store: m, sessions: working}
	if err := fn(q); err != nil {
		return err
	}
	m.sessions = working
	m.writes += q.writes
	return nil
}

func (m *memoryStore) TouchIfStale(ctx context.Context, accountID, deviceID string, now, staleBefore, liveSince time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn == "touch" {
		return false, errInjected
	}
	s, ok := m.sessions[sessionKey(accountID, deviceID)]
	if !ok || s.Status != model.DeviceStatusActive {
		return false, nil
	}
	if s.LastSeen != nil && !(s.LastSeen.Before(staleBefore) && s.LastSeen.After(liveSince)) {
		return false, nil
	}
	t := now
	s.LastSeen = &t
	s.UpdatedAt = now
	m.writes++
	return true, nil
}

func (m *memoryStore) ListByAccount(ctx context.Context, accountID string) ([]*model.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn == "list" {
		return nil, errInjected
	}
	var result []*model.DeviceSession
	for _, s := range m.sessions {
		if s.AccountID == accountID {
			c := *s
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].LastSeen, result[j].LastSeen
		switch {
		case a == nil && b == nil:
			return result[i].CreatedAt.After(result[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return result, nil
}

func (m *memoryStore) CountActive(ctx context.Context, accountID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn == "count" {
		return 0, errInjected
	}
	return len(activeSet(m.sessions, accountID, since)), nil
}

func (m *memoryStore) ListAccountsOverCount(ctx context.Context, since time.Time, minActive int, afterAccountID string, limit int) ([]repository.AccountActiveCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range m.sessions {
		if s.IsLive(since) {
			counts[s.AccountID]++
		}
	}
	var result []repository.AccountActiveCount
	for id, c := range counts {
		if c > minActive && id > afterAccountID {
			result = append(result, repository.AccountActiveCount{AccountID: id, ActiveCount: c})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// session はテスト検証用にセッションのコピーを返す。
func (m *memoryStore) session(accountID, deviceID string) *model.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(accountID, deviceID)]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// seed はセッションを直接投入する。
func (m *memoryStore) seed(accountID, deviceID string, status model.DeviceStatus, lastSeen *time.Time, createdAt time.Time) *model.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := &model.DeviceSession{
		ID:        fmt.Sprintf("sess-%d", m.seq),
		AccountID: accountID,
		DeviceID:  deviceID,
		Status:    status,
		LastSeen:  lastSeen,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	m.sessions[sessionKey(accountID, deviceID)] = s
	c := *s
	return &c
}

func activeSet(sessions map[string]*model.DeviceSession, accountID string, since time.Time) []*model.DeviceSession {
	var result []*model.DeviceSession
	for _, s := range sessions {
		if s.AccountID == accountID && s.IsLive(since) {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastSeen.Equal(*result[j].LastSeen) {
			return result[i].LastSeen.Before(*result[j].LastSeen)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

type memoryQueries struct {
	store    *memoryStore
	sessions map[string]*model.DeviceSession
	writes   int
}

func (q *memoryQueries) ListActive(ctx context.Context, accountID string, since time.Time) ([]*model.DeviceSession, error) {
	if q.store.failOn == "list_active" {
		return nil, errInjected
	}
	var result []*model.DeviceSession
	for _, s := range activeSet(q.sessions, accountID, since) {
		c := *s
		result = append(result, &c)
	}
	return result, nil
}

func (q *memoryQueries) Touch(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, now time.Time) error {
	s, ok := q.sessions[sessionKey(accountID, deviceID)]
	if !ok {
		return nil
	}
	s.Status = model.DeviceStatusActive
	t := now
	s.LastSeen = &t
	if meta.DeviceName != nil {
		s.DeviceName = meta.DeviceName
	}
	if meta.UserAgent != nil {
		s.UserAgent = meta.UserAgent
	}
	s.UpdatedAt = now
	q.writes++
	return nil
}

func (q *memoryQueries) Upsert(ctx context.Context, session *model.DeviceSession) error {
	if q.store.failOn == "upsert" {
		return errInjected
	}
	key := sessionKey(session.AccountID, session.DeviceID)
	now := *session.LastSeen
	if existing, ok := q.sessions[key]; ok {
		existing.Status = model.DeviceStatusActive
		existing.LastSeen = session.LastSeen
		if session.DeviceName != nil {
			existing.DeviceName = session.DeviceName
		}
		if session.UserAgent != nil {
			existing.UserAgent = session.UserAgent
		}
		existing.UpdatedAt = now
		session.ID = existing.ID
		session.CreatedAt = existing.CreatedAt
	} else {
		q.store.seq++
		session.ID = fmt.Sprintf("sess-%d", q.store.seq)
		session.CreatedAt = now
		c := *session
		c.Status = model.DeviceStatusActive
		c.UpdatedAt = now
		q.sessions[key] = &c
	}
	session.Status = model.DeviceStatusActive
	q.writes++
	return nil
}

func (q *memoryQueries) KickByIDs(ctx context.Context, accountID string, ids []string, now time.Time) (int64, error) {
	if q.store.failOn == "kick" {
		return 0, errInjected
	}
	var n int64
	for _, s := range q.sessions {
		if s.AccountID != accountID || s.Status != model.DeviceStatusActive {
			continue
		}
		for _, id := range ids {
			if s.ID == id {
				s.Status = model.DeviceStatusKicked
				s.UpdatedAt = now
				n++
			}
		}
	}
	q.writes += int(n)
	return n, nil
}

func (q *memoryQueries) KickBySelector(ctx context.Context, accountID, sessionID, deviceID string, now time.Time) (int64, error) {
	var n int64
	for _, s := range q.sessions {
		if s.AccountID != accountID || s.Status != model.DeviceStatusActive {
			continue
		}
		if sessionID != "" && s.ID != sessionID {
			continue
		}
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		s.Status = model.DeviceStatusKicked
		s.UpdatedAt = now
		n++
	}
	q.writes += int(n)
	return n, nil
}

// compile-time interface check
var _ repository.DeviceSessionRepository = (*memoryStore)(nil)
