package repository

import (
	"database/sql"
	"os"
	"testing"

	"github.com/hitoshi/devicegate/internal/database"
)

// openTestDB はマイグレーション済みのテスト用データベースを返す。
// TEST_DATABASE_URLが未設定、または接続できない場合はテストをスキップする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL, database.PoolConfig{})
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		db.Close()
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	if _, err := db.Exec(`TRUNCATE device_sessions, subscriptions, plans, login_sessions`); err != nil {
		db.Close()
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("SQL実行に失敗: %v\n%s", err, query)
	}
}
