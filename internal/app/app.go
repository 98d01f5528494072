package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arai-a/phabr/internal/broker"
	"github.com/arai-a/phabr/internal/conduit"
	"github.com/arai-a/phabr/internal/config"
	"github.com/arai-a/phabr/internal/coordinator"
	"github.com/arai-a/phabr/internal/credential"
	"github.com/arai-a/phabr/internal/database"
	"github.com/arai-a/phabr/internal/handler"
	"github.com/arai-a/phabr/internal/logger"
	"github.com/arai-a/phabr/internal/metrics"
	"github.com/arai-a/phabr/internal/middleware"
	"github.com/arai-a/phabr/internal/model"
	"github.com/arai-a/phabr/internal/review"
	"github.com/arai-a/phabr/internal/security"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// ログはwに出力する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを差し替える
	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。コマンドの出力はstdoutに、ログはstderrに書き出す。
// SIGINTまたはSIGTERMを受信すると実行中の処理を終了する。
func Run(stdout, stderr io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, stdout, stderr, args)
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(stderr)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("credential_store", cfg.CredentialStore),
	)

	switch cmd {
	case CommandQuery:
		return runQuery(ctx, cfg, l, stdout)
	case CommandSetToken:
		if len(args) < 2 {
			return errors.New("usage: phabr set-token <token>")
		}
		return runSetToken(ctx, cfg, l, stdout, args[1])
	case CommandClearPHID:
		return runClearPHID(ctx, cfg, l, stdout)
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runServe(ctx, cfg, l)
	}
}

// openStore は設定に従って資格情報ストアを開く。
// 返り値のclose関数は常に呼び出し可能。
func openStore(ctx context.Context, cfg *config.Config, l *slog.Logger) (credential.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.CredentialStore {
	case config.StoreMemory:
		l.Warn("資格情報はメモリ上にのみ保持され、再起動で失われます")
		return credential.NewMemoryStore(), noop, nil

	case config.StorePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(ctx, db, 5*time.Second); err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("failed to connect to database: %w", err)
		}
		l.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return credential.NewPostgresStore(db), db.Close, nil

	default:
		path := cfg.CredentialFile
		if path == "" {
			var err error
			if path, err = credential.DefaultFilePath(); err != nil {
				return nil, noop, err
			}
		}
		l.Debug("using credential file", slog.String("path", path))
		return credential.NewFileStore(path), noop, nil
	}
}

// pipeline はクエリパイプラインを構成する依存関係一式。
type pipeline struct {
	store       credential.Store
	closeStore  func() error
	registry    *prometheus.Registry
	collector   *metrics.Collector
	broker      *broker.Broker
	coordinator *coordinator.Coordinator
	feed        *review.FeedWriter
}

// newPipeline はストア、Conduitクライアント、コーディネーター、ブローカーを組み立てる。
func newPipeline(ctx context.Context, cfg *config.Config, l *slog.Logger) (*pipeline, error) {
	// 1. Conduitエンドポイントの検証（SSRF対策）
	guard := security.NewEndpointGuard(cfg.ConduitAllowPrivate)
	endpoint, err := guard.Validate(cfg.PhabricatorURL)
	if err != nil {
		return nil, fmt.Errorf("invalid PHABRICATOR_URL: %w", err)
	}

	// 2. 資格情報ストア
	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	client := conduit.NewClient(endpoint.String(), guard.HTTPClient(endpoint, cfg.ConduitTimeout), l).
		WithRecorder(collector)
	resolver := credential.NewResolver(store, client, l)
	fetcher := review.NewFetcher(client, l)

	// 5. ブローカーとコーディネーターの相互接続
	b := broker.New(l).WithDropRecorder(collector)
	coord := coordinator.New(resolver, fetcher, b,
		coordinator.WithTTL(cfg.CacheTTL, cfg.ErrorCacheTTL),
		coordinator.WithTimeout(cfg.QueryTimeout),
		coordinator.WithMetrics(collector),
		coordinator.WithLogger(l),
	)
	b.Attach(coord)

	feed := review.NewFeedWriter(review.FeedConfig{
		PhabricatorURL: cfg.PhabricatorURL,
		BugzillaURL:    cfg.BugzillaURL,
		Sanitizer:      security.NewContentSanitizer(),
	})

	return &pipeline{
		store:       store,
		closeStore:  closeStore,
		registry:    registry,
		collector:   collector,
		broker:      b,
		coordinator: coord,
		feed:        feed,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	p, err := newPipeline(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer p.closeStore()

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitPerMin), l)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            l,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Reviews:           p.broker,
		Feed:              p.feed,
		Options:           credential.NewOptions(p.store, l),
		Status:            p.coordinator,
		Metrics:           metrics.Handler(p.registry),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("phabricator_url", cfg.PhabricatorURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	l.Info("API server stopped gracefully")
	return nil
}

// writeTimeout はレビュー取得を待つ要求が途中で切断されないよう、
// クエリのタイムアウトより長い書き込みタイムアウトを返す。
func writeTimeout(cfg *config.Config) time.Duration {
	return cfg.QueryTimeout + 15*time.Second
}

// runQuery はパイプラインを1回実行し、結果をJSONでwに出力する。
func runQuery(ctx context.Context, cfg *config.Config, l *slog.Logger, w io.Writer) error {
	p, err := newPipeline(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer p.closeStore()

	outcome := p.coordinator.Query(ctx)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	return nil
}

// runSetToken はAPIトークンを入力のまま保存する。
func runSetToken(ctx context.Context, cfg *config.Config, l *slog.Logger, w io.Writer, token string) error {
	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore()

	options := credential.NewOptions(store, l)
	if err := options.SaveToken(ctx, token); err != nil {
		return err
	}

	if saved, ok := options.Token(ctx); ok {
		fmt.Fprintf(w, "token saved: %s\n", model.MaskToken(saved))
	} else {
		fmt.Fprintln(w, "token saved, but it does not look like a Conduit API token (api-...)")
	}
	return nil
}

// runClearPHID は保存済みのユーザーPHIDを削除する。
func runClearPHID(ctx context.Context, cfg *config.Config, l *slog.Logger, w io.Writer) error {
	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := credential.NewOptions(store, l).ClearPHID(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "stored PHID cleared")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
