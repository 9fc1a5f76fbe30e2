package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/signaling-server/internal"
	"github.com/koopa0/signaling-server/internal/store"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "YAML 配置檔路徑（可選，環境變數仍可覆寫）")
		port       = flag.Int("port", 0, "服務器端口（覆寫配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	// 載入配置：預設值 → 配置檔 → 環境變數 → 命令行
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		slog.Error("載入配置失敗", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// 開啟持久化層
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("開啟持久化層失敗", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}

	// 建立房間註冊表並恢復中繼資料
	registry := internal.NewRegistry(st, logger, internal.RegistryOptions{
		MaxMembers:         cfg.Room.MaxMembers,
		PasswordProtection: cfg.Security.PasswordProtection,
	})
	registry.Restore(ctx)

	// 啟動清理排程器
	scheduler := internal.NewScheduler(registry, logger,
		cfg.CleanupInterval(), cfg.CleanupTimeout(), cfg.ConnectionTimeout())
	scheduler.Start()

	// 建立信令中心與 HTTP 處理器
	hub := internal.NewHub(registry, logger, cfg.ConnectionTimeout())
	handler := internal.NewHandler(registry, cfg, logger)

	// 設置路由
	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("/ws/rooms/{room_id}", hub.ServeWS)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	go func() {
		logger.Info("信令服務器啟動",
			"addr", cfg.Addr(),
			"store_driver", cfg.Store.Driver,
			"cleanup_timeout", cfg.CleanupTimeout(),
			"cleanup_interval", cfg.CleanupInterval())

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 關閉順序：先停收新連接，再停排程器，最後同步清空註冊表。
	// 排程器先停，保證沒有背景掃描與關閉流程競爭。
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	scheduler.Stop()
	registry.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		logger.Error("關閉持久化層失敗", "error", err)
	}

	logger.Info("服務器已關閉")
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
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
