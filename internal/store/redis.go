package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// roomKeyPrefix 房間記錄鍵前綴：signaling:room:{id}
	roomKeyPrefix = "signaling:room:"
	// roomIndexKey 所有房間 id 的索引集合
	roomIndexKey = "signaling:rooms"
)

// RedisStore 以 Redis 備份房間中繼資料。
//
// 多實例部署時讓所有節點共用同一份中繼資料。
// 每個房間一個 JSON 值，外加一個 Set 作為全量載入的索引。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 建立 Redis 持久化層並驗證連線
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("連接 redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// LoadRoom 載入單一房間記錄
func (s *RedisStore) LoadRoom(ctx context.Context, id string) (*RoomRecord, error) {
	data, err := s.client.Get(ctx, roomKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("讀取房間 %s: %w", id, err)
	}

	var record RoomRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("解析房間 %s: %w", id, err)
	}
	return &record, nil
}

// LoadRooms 載入所有房間記錄
//
// 索引集合與實際記錄之間允許短暫不一致（刪除只保證最終收斂），
// 載入時直接跳過索引指向但已不存在的記錄。
func (s *RedisStore) LoadRooms(ctx context.Context) ([]RoomRecord, error) {
	ids, err := s.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("讀取房間索引: %w", err)
	}

	records := make([]RoomRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.LoadRoom(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// SaveRoom 寫入房間記錄並維護索引
func (s *RedisStore) SaveRoom(ctx context.Context, record RoomRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化房間 %s: %w", record.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKeyPrefix+record.ID, data, 0)
	pipe.SAdd(ctx, roomIndexKey, record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("寫入房間 %s: %w", record.ID, err)
	}
	return nil
}

// DeleteRoom 刪除房間記錄並維護索引
func (s *RedisStore) DeleteRoom(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, roomKeyPrefix+id)
	pipe.SRem(ctx, roomIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("刪除房間 %s: %w", id, err)
	}

	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 關閉客戶端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
