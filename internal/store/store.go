// Package store 提供房間中繼資料的持久化層。
//
// 設計邊界：記憶體中的 Room 才是成員關係的唯一事實來源，
// 持久化只備份中繼資料（id、名稱、密碼雜湊、建立時間），
// 讓房間在進程重啟後仍然存在。成員關係不落地。
//
// 三種驅動：
//   - memory：單機測試 / 不需要重啟持久性的部署
//   - sqlite：單機部署的預設選擇（嵌入式，零依賴）
//   - redis：多實例共用中繼資料的部署
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound 記錄不存在
var ErrNotFound = errors.New("房間記錄不存在")

// RoomRecord 房間中繼資料記錄
type RoomRecord struct {
	ID           string    `json:"room_id"`
	Name         string    `json:"room_name"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store 持久化介面
//
// 所有方法都接受 context 以支援呼叫端的超時與取消。
// 實作必須容忍重複刪除（DeleteRoom 對不存在的 id 回傳 ErrNotFound，
// 呼叫端視為 no-op）。
type Store interface {
	// LoadRoom 載入單一房間記錄
	LoadRoom(ctx context.Context, id string) (*RoomRecord, error)
	// LoadRooms 載入所有房間記錄（進程啟動時恢復註冊表）
	LoadRooms(ctx context.Context) ([]RoomRecord, error)
	// SaveRoom 寫入（或覆寫）房間記錄
	SaveRoom(ctx context.Context, record RoomRecord) error
	// DeleteRoom 刪除房間記錄
	DeleteRoom(ctx context.Context, id string) error
	// Close 釋放底層資源
	Close() error
}

// Config 持久化層配置
type Config struct {
	// Driver 驅動名稱：memory / sqlite / redis
	Driver string `yaml:"driver"`

	// SQLitePath SQLite 資料庫路徑（sqlite 驅動）
	SQLitePath string `yaml:"sqlite_path"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 連線配置（redis 驅動）
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Open 依配置建立持久化層
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("未知的持久化驅動: %s", cfg.Driver)
	}
}

// MemoryStore 純記憶體實作，重啟後資料消失
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]RoomRecord
}

// NewMemoryStore 建立記憶體持久化層
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]RoomRecord),
	}
}

// LoadRoom 載入單一房間記錄
func (s *MemoryStore) LoadRoom(_ context.Context, id string) (*RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.rooms[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &record, nil
}

// LoadRooms 載入所有房間記錄
func (s *MemoryStore) LoadRooms(_ context.Context) ([]RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]RoomRecord, 0, len(s.rooms))
	for _, record := range s.rooms {
		records = append(records, record)
	}
	return records, nil
}

// SaveRoom 寫入房間記錄
func (s *MemoryStore) SaveRoom(_ context.Context, record RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[record.ID] = record
	return nil
}

// DeleteRoom 刪除房間記錄
func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; !exists {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// Close 釋放資源（記憶體實作無事可做）
func (s *MemoryStore) Close() error {
	return nil
}
