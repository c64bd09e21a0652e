package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/internal/config"
	"github.com/nemonet1337/zaiLedger/internal/logging"
	"github.com/nemonet1337/zaiLedger/pkg/inventory"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

// actorHeader carries the acting user id of a request
const actorHeader = "X-User-ID"

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// ログ設定
	logger := logging.Must(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := newApp(cfg, logger, registry)
	if err != nil {
		logger.Fatal("アプリケーションの初期化に失敗しました", zap.Error(err))
	}
	defer app.Close()

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// app wires storage, catalog, audit and the ledger manager behind the router
type app struct {
	router  *mux.Router
	storage inventory.Storage
}

func (a *app) Close() error {
	return a.storage.Close()
}

// newApp builds the ledger stack for the configured driver
// 設定されたドライバーで台帳一式を構築
func newApp(cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (*app, error) {
	var (
		store   inventory.Storage
		catalog CatalogAdmin
		audit   inventory.AuditSink
	)

	switch cfg.Database.Driver {
	case "memory":
		mem := storage.NewMemoryStorage(logger, cfg.Ledger.LockTimeout)
		store = mem
		catalog = storage.NewMemoryCatalog(mem, cfg.Ledger.MainStoreName)
		audit = inventory.NewLogAuditSink(logger)
		logger.Warn("インメモリストレージで起動します（データは永続化されません）")
	default:
		pg, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger, storage.Options{
			LockTimeout:     cfg.Ledger.LockTimeout,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
		}
		store = pg
		catalog = storage.NewPostgreSQLCatalog(pg.DB(), logger, cfg.Ledger.MainStoreName)
		if cfg.Ledger.AuditSink == "log" {
			audit = inventory.NewLogAuditSink(logger)
		} else {
			audit = storage.NewPostgreSQLAuditSink(pg.DB(), logger)
		}
	}

	manager := inventory.NewManager(store, catalog, audit, logger, &inventory.Config{
		MaxRetries:   cfg.Ledger.MaxRetries,
		RetryBackoff: cfg.Ledger.RetryBackoff,
		AuditEnabled: cfg.Ledger.AuditEnabled,
	}, inventory.WithMetrics(inventory.NewMetrics(registry)))

	handlers := NewHandlers(
		manager,
		catalog,
		inventory.NewTracker(store, logger),
		inventory.NewValuationEngine(store, logger),
		store,
		logger,
	)

	var metrics http.Handler
	if cfg.API.EnableMetrics {
		metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	return &app{
		router:  setupRouter(handlers, metrics, cfg.API.EnableCORS),
		storage: store,
	}, nil
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, metrics http.Handler, enableCORS bool) *mux.Router {
	router := mux.NewRouter()

	// プリフライトはメソッド制限付きルートより先にマッチさせる
	if enableCORS {
		router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 在庫操作
	api.HandleFunc("/receipts", handlers.Receive).Methods("POST")
	api.HandleFunc("/procurements", handlers.ReceiveProcurement).Methods("POST")
	api.HandleFunc("/movements", handlers.Move).Methods("POST")
	api.HandleFunc("/discards", handlers.Discard).Methods("POST")

	// 在庫照会
	api.HandleFunc("/stock/{itemId}/{locationId}", handlers.GetAvailability).Methods("GET")
	api.HandleFunc("/stock/{itemId}/{locationId}/batches", handlers.GetBatches).Methods("GET")

	// 商品
	api.HandleFunc("/items", handlers.CreateItem).Methods("POST")
	api.HandleFunc("/items/{itemId}", handlers.DeleteItem).Methods("DELETE")
	api.HandleFunc("/items/{itemId}/stock", handlers.GetItemStock).Methods("GET")
	api.HandleFunc("/items/{itemId}/history", handlers.GetHistory).Methods("GET")

	// ロケーション
	api.HandleFunc("/locations", handlers.CreateLocation).Methods("POST")
	api.HandleFunc("/locations", handlers.ListLocations).Methods("GET")
	api.HandleFunc("/locations/{locationId}", handlers.DeleteLocation).Methods("DELETE")

	// ロット
	api.HandleFunc("/lots", handlers.CreateLot).Methods("POST")
	api.HandleFunc("/lots/{lotId}/trace", handlers.TraceLot).Methods("GET")

	// 在庫評価
	api.HandleFunc("/valuation/{itemId}/{locationId}", handlers.GetValuation).Methods("GET")
	api.HandleFunc("/valuation/{itemId}/{locationId}/projection", handlers.ProjectCost).Methods("GET")

	// 保守
	api.HandleFunc("/maintenance/reconcile", handlers.Reconcile).Methods("POST")

	if enableCORS {
		router.Use(corsMiddleware)
	}
	router.Use(actorMiddleware)
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware allows cross-origin calls during development
// CORS設定（開発用）
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+actorHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// actorMiddleware puts the X-User-ID header into the request context
// リクエストの操作ユーザーをコンテキストに設定
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(actorHeader); actor != "" {
			r = r.WithContext(inventory.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("actor", inventory.ActorFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
