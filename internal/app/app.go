// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/civicchat/internal/config"
	"github.com/hitoshi/civicchat/internal/cooldown"
	"github.com/hitoshi/civicchat/internal/devserver"
	"github.com/hitoshi/civicchat/internal/logger"
	"github.com/hitoshi/civicchat/internal/metrics"
	"github.com/hitoshi/civicchat/internal/security"
	"github.com/hitoshi/civicchat/internal/session"
	"github.com/hitoshi/civicchat/internal/storage"
	"github.com/hitoshi/civicchat/internal/transport"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定読み込み前でもログを出せるようデフォルトレベルでセットアップする
		logger.SetupDefault(w, "info")
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	switch cmd {
	case CommandDevServer:
		return runDevServer(cfg)
	default:
		return runClient(cfg)
	}
}

// runClient は同期エンジンをクライアントモードで起動する。
// 耐久ストレージを開き、トランスポート・クールダウン・コントローラを
// ワイヤリングして設定されたスレッドの同期を開始する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runClient(cfg *config.Config) error {
	if cfg.ThreadID == "" {
		return fmt.Errorf("CHAT_THREAD_ID is required in client mode")
	}

	// 1. 耐久ストレージ（クールダウン記録とウォーターマークの保存先）
	store, err := storage.OpenPebble(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open durable storage: %w", err)
	}
	defer store.Close()

	slog.Info("耐久ストレージを開きました", slog.String("data_dir", cfg.DataDir))

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. トランスポート
	client := transport.NewClient(
		&http.Client{Timeout: cfg.HTTPTimeout},
		cfg.APIBaseURL,
		func() string { return cfg.AccessToken },
		security.NewContentSanitizer(),
		slog.Default(),
	)

	// 4. 同期コントローラ
	controller := session.NewController(
		client,
		cooldown.New(store, cfg.CooldownWindow),
		store,
		collector,
		slog.Default(),
		cfg.SyncInterval,
		cfg.PageSize,
	)
	controller.SetOnChange(func() {
		snap := controller.Snapshot()
		slog.Debug("状態が更新されました",
			slog.String("state", string(snap.State)),
			slog.Int("messages", len(snap.Messages)),
			slog.Int("cooldown_remaining", snap.CooldownRemaining),
		)
	})
	controller.SetIdentity(session.Identity{
		Authenticated: cfg.AccessToken != "",
		AccessToken:   cfg.AccessToken,
		UserID:        cfg.UserID,
		UserName:      cfg.UserName,
	})

	// 5. メトリクスエンドポイント
	metricsServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     metrics.Handler(registry),
		ReadTimeout: 15 * time.Second,
	}
	go func() {
		slog.Info("メトリクスエンドポイントを起動します", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("メトリクスエンドポイントの起動に失敗しました", slog.String("error", err.Error()))
		}
	}()

	// 6. 同期開始
	if err := controller.Start(cfg.ThreadID); err != nil {
		slog.Error("初期ロードに失敗しました", slog.String("error", err.Error()))
		// ポーリングは開始されない。起動自体は失敗として扱う
		return fmt.Errorf("failed to start sync: %w", err)
	}

	slog.Info("同期エンジンが稼働しています",
		slog.String("thread_id", cfg.ThreadID),
		slog.Duration("sync_interval", cfg.SyncInterval),
	)

	// シグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("シャットダウンします...")
	controller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("停止しました")
	return nil
}

// runDevServer はメッセージAPIの開発用サーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runDevServer(cfg *config.Config) error {
	registry := prometheus.NewRegistry()

	srv := devserver.New(slog.Default(), registry, devserver.Config{
		GeneralRatePerMin: cfg.RateLimitGeneral,
		SendRatePerMin:    cfg.RateLimitSend,
	})
	defer srv.Close()

	// 設定にトークンがあれば開発用ユーザーとして登録する
	if cfg.AccessToken != "" && cfg.UserID != "" {
		srv.RegisterUser(cfg.AccessToken, cfg.UserID, cfg.UserName)
		slog.Info("開発用ユーザーを登録しました", slog.String("user_id", cfg.UserID))
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("開発用サーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("サーバーの起動に失敗しました", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("開発用サーバーをシャットダウンします...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("開発用サーバーを停止しました")
	return nil
}
