// Package migration applies the embedded ledger schema with golang-migrate
package migration

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

// Migrator runs schema migrations against a PostgreSQL database
// PostgreSQLに対してスキーマのマイグレーションを実行
type Migrator struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// Source opens the SQL files embedded in the storage package
// storageパッケージに埋め込まれたSQLを開く
func Source() (source.Driver, error) {
	src, err := iofs.New(storage.Migrations, storage.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションソースを開けません: %w", err)
	}
	return src, nil
}

// New creates a Migrator on an open database handle
// 接続済みのDBからMigratorを作成
func New(db *sql.DB, logger *zap.Logger) (*Migrator, error) {
	src, err := Source()
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgresドライバーの作成に失敗しました: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションの初期化に失敗しました: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up applies every pending migration
// 未適用のマイグレーションをすべて適用
func (m *Migrator) Up() error {
	m.logger.Info("マイグレーションを適用します")

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("適用するマイグレーションはありません")
			return nil
		}
		return fmt.Errorf("マイグレーションの適用に失敗しました: %w", err)
	}
	return m.logVersion("マイグレーションが完了しました")
}

// Down rolls every migration back
// すべてのマイグレーションを戻す
func (m *Migrator) Down() error {
	m.logger.Warn("すべてのマイグレーションを戻します")

	if err := m.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("戻すマイグレーションはありません")
			return nil
		}
		return fmt.Errorf("マイグレーションのロールバックに失敗しました: %w", err)
	}
	m.logger.Info("すべてのマイグレーションを戻しました")
	return nil
}

// Steps applies n migrations; a negative n rolls back
// n件のマイグレーションを適用（負の場合はロールバック）
func (m *Migrator) Steps(n int) error {
	m.logger.Info("マイグレーションをステップ実行します", zap.Int("steps", n))

	if err := m.migrate.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("適用するマイグレーションはありません")
			return nil
		}
		return fmt.Errorf("マイグレーションのステップ実行に失敗しました: %w", err)
	}
	return m.logVersion("ステップ実行が完了しました")
}

// Force marks version as applied without running it (dirty state recovery)
// マイグレーションを実行せずにバージョンを設定（dirty状態の復旧用）
func (m *Migrator) Force(version int) error {
	m.logger.Warn("マイグレーションバージョンを強制設定します", zap.Int("version", version))

	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("バージョン %d の強制設定に失敗しました: %w", version, err)
	}
	return nil
}

// Version returns the applied version; 0 when nothing was applied
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("バージョン取得に失敗しました: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and the database driver
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}

func (m *Migrator) logVersion(msg string) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info(msg, zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
