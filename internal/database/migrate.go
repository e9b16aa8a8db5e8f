// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// MigrationResult はRunMigrationsの適用前後のスキーマバージョン。
// バージョン0は未適用を表す。
type MigrationResult struct {
	From uint
	To   uint
}

// Applied はマイグレーションが1つ以上適用されたかを返す。
func (r MigrationResult) Applied() bool {
	return r.From != r.To
}

// RunMigrations はすべての未適用マイグレーションを適用する。
// すでに最新の場合はFromとToが等しい結果を返す。
// 前回の適用が途中で失敗してdirtyになっている場合は、手動での復旧が必要なためエラーを返す。
func RunMigrations(databaseURL string) (MigrationResult, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	from, err := schemaVersion(m)
	if err != nil {
		return MigrationResult{}, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationResult{From: from}, fmt.Errorf("failed to run migrations: %w", err)
	}

	to, err := schemaVersion(m)
	if err != nil {
		return MigrationResult{From: from}, err
	}
	return MigrationResult{From: from, To: to}, nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
