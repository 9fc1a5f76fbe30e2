package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/signaling-server/internal/store"
)

// Config 服務配置
//
// 讀取順序：內建預設值 → YAML 配置檔（可選）→ 環境變數。
// 環境變數名稱沿用既有部署慣例，方便直接替換舊版服務。
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Cleanup struct {
		// TimeoutSeconds 空房間保留的寬限期
		TimeoutSeconds int `yaml:"timeout_seconds"`
		// IntervalSeconds 掃描節奏
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"cleanup"`

	Connection struct {
		// TimeoutSeconds 連接活性超時（WebSocket 讀取期限）
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"connection"`

	Security struct {
		PasswordProtection bool `yaml:"password_protection"`
	} `yaml:"security"`

	Room struct {
		// MaxMembers 單房間成員上限，0 表示不限
		MaxMembers int `yaml:"max_members"`
	} `yaml:"room"`

	// Refresh 客戶端輪詢提示，核心不消費，只透過 API 回傳給客戶端
	Refresh struct {
		RoomListSeconds int `yaml:"room_list_seconds"`
		UserListSeconds int `yaml:"user_list_seconds"`
	} `yaml:"refresh"`

	Store store.Config `yaml:"store"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 內建預設值
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Cleanup.TimeoutSeconds = 15
	cfg.Cleanup.IntervalSeconds = 10
	cfg.Connection.TimeoutSeconds = 60
	cfg.Security.PasswordProtection = true
	cfg.Room.MaxMembers = 0
	cfg.Refresh.RoomListSeconds = 30
	cfg.Refresh.UserListSeconds = 10
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "rooms.db"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig 載入配置
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("讀取配置檔 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置檔 %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 套用環境變數覆寫
func (c *Config) applyEnv() {
	c.Server.Host = envString("HOST", c.Server.Host)
	c.Server.Port = envInt("PORT", c.Server.Port)
	c.Cleanup.TimeoutSeconds = envInt("ROOM_CLEANUP_TIMEOUT_SECONDS", c.Cleanup.TimeoutSeconds)
	c.Cleanup.IntervalSeconds = envInt("ROOM_CLEANUP_INTERVAL_SECONDS", c.Cleanup.IntervalSeconds)
	c.Connection.TimeoutSeconds = envInt("WEBSOCKET_TIMEOUT", c.Connection.TimeoutSeconds)
	c.Security.PasswordProtection = envBool("ENABLE_PASSWORD_PROTECTION", c.Security.PasswordProtection)
	c.Room.MaxMembers = envInt("ROOM_MAX_MEMBERS", c.Room.MaxMembers)
	c.Refresh.RoomListSeconds = envInt("ROOM_LIST_REFRESH_INTERVAL", c.Refresh.RoomListSeconds)
	c.Refresh.UserListSeconds = envInt("USER_LIST_REFRESH_INTERVAL", c.Refresh.UserListSeconds)
	c.Store.Driver = envString("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = envString("DATABASE_URL", c.Store.SQLitePath)
	c.Store.Redis.Addr = envString("REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = envString("REDIS_PASSWORD", c.Store.Redis.Password)
	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

// validate 檢查配置合法性
func (c *Config) validate() error {
	if c.Cleanup.TimeoutSeconds <= 0 {
		return fmt.Errorf("cleanup.timeout_seconds 必須為正數: %d", c.Cleanup.TimeoutSeconds)
	}
	if c.Cleanup.IntervalSeconds <= 0 {
		return fmt.Errorf("cleanup.interval_seconds 必須為正數: %d", c.Cleanup.IntervalSeconds)
	}
	if c.Connection.TimeoutSeconds <= 0 {
		return fmt.Errorf("connection.timeout_seconds 必須為正數: %d", c.Connection.TimeoutSeconds)
	}
	if c.Room.MaxMembers < 0 {
		return fmt.Errorf("room.max_members 不能為負數: %d", c.Room.MaxMembers)
	}
	return nil
}

// CleanupTimeout 空房寬限期
func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Cleanup.TimeoutSeconds) * time.Second
}

// CleanupInterval 掃描節奏
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalSeconds) * time.Second
}

// ConnectionTimeout 連接活性超時
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Connection.TimeoutSeconds) * time.Second
}

// Addr 伺服器監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return strings.EqualFold(value, "true")
}
