package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/koopa0/system-design/bingo-room/internal"
	"github.com/koopa0/system-design/bingo-room/pkg/token"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（YAML）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)，覆蓋配置")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)，覆蓋配置")
	)
	flag.Parse()

	// .env 不存在時忽略
	_ = godotenv.Load()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		slog.Error("載入配置失敗", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, logger *slog.Logger) error {
	metrics := internal.NewMetrics()

	// 限流後端
	var rdb *redis.Client
	if cfg.RateLimit.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return err
		}
	}
	limiter, err := internal.NewLimiter(cfg, rdb)
	if err != nil {
		return err
	}

	// 遊戲規則（盤面配置錯誤在這裡中止啟動）
	rules, err := internal.NewRules(cfg.Game, cfg.Room.MaxPlayers)
	if err != nil {
		return err
	}

	// 創建房間管理器
	manager := internal.NewManager(rules, internal.ManagerOptions{
		CodeLength:    cfg.Room.CodeLength,
		EmptyGrace:    cfg.Room.EmptyGrace,
		SweepInterval: cfg.Room.SweepInterval,
		Metrics:       metrics,
	}, logger)

	tokens := token.NewIssuer(cfg.Session.TokenSecret, cfg.Session.TokenTTL)
	gateway := internal.NewGateway(manager, tokens, limiter, metrics, logger)

	// 創建 WebSocket Hub
	wsHub := internal.NewWebSocketHub(gateway, internal.HubConfigFrom(cfg), metrics, logger)

	// 創建 HTTP 處理器
	handler := internal.NewHandler(manager, tokens, wsHub, metrics, cfg.Server.CORSAllow, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	errCh := make(chan error, 1)
	go func() {
		logger.Info("賓果房間服務器啟動",
			"addr", cfg.Server.Addr,
			"rate_limit", cfg.RateLimit.Backend,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉...")
	case err := <-errCh:
		return err
	}

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 先關房間（通知玩家 room-closed），再關連線
	manager.Stop()
	wsHub.Stop()

	logger.Info("服務器已關閉")
	return nil
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
