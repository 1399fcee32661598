// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Chat API
	APIBaseURL  string
	AccessToken string
	UserID      string
	UserName    string
	ThreadID    string

	// Sync engine
	SyncInterval time.Duration
	PageSize     int
	HTTPTimeout  time.Duration

	// Cooldown
	CooldownWindow time.Duration

	// Durable storage
	DataDir string

	// Dev server
	ServerPort       string
	RateLimitSend    int // 1分あたりの送信リクエスト上限（ユーザー単位）
	RateLimitGeneral int // 1分あたりのAPIリクエスト上限（ユーザー単位）

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("CHAT_API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "CHAT_API_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AccessToken = getEnvString("CHAT_ACCESS_TOKEN", "")
	cfg.UserID = getEnvString("CHAT_USER_ID", "")
	cfg.UserName = getEnvString("CHAT_USER_NAME", "")
	cfg.ThreadID = getEnvString("CHAT_THREAD_ID", "")
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 30*time.Second)
	cfg.PageSize = getEnvInt("PAGE_SIZE", 50)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.CooldownWindow = getEnvDuration("COOLDOWN_WINDOW", 15*time.Second)
	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RateLimitSend = getEnvInt("RATE_LIMIT_SEND", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
