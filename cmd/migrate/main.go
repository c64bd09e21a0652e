package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/internal/config"
	"github.com/nemonet1337/zaiLedger/internal/logging"
	"github.com/nemonet1337/zaiLedger/internal/migration"
)

const usage = `使い方: migrate <command>

  up         未適用のマイグレーションをすべて適用
  down       すべてのマイグレーションを戻す
  steps N    N件適用（負の値でロールバック）
  version    現在のバージョンを表示
  force N    バージョンNを強制設定（dirty状態の復旧用）
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	if cfg.Database.Driver != "postgres" {
		logger.Fatal("マイグレーションはpostgresドライバーでのみ実行できます", zap.String("driver", cfg.Database.Driver))
	}

	logger.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	m, err := migration.New(db, logger)
	if err != nil {
		logger.Fatal("マイグレーションの初期化に失敗しました", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, os.Args[1:]); err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

func run(m *migration.Migrator, args []string) error {
	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "steps":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return m.Steps(n)
	case "force":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return m.Force(n)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("不明なコマンド: %s", args[0])
	}
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s には数値の引数が必要です", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("数値ではありません: %s", args[1])
	}
	return n, nil
}
