package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// SQLiteStore 以嵌入式 SQLite 備份房間中繼資料。
//
// 單機部署的預設選擇：不需要外部服務，一個檔案就是完整狀態。
// modernc.org/sqlite 是純 Go 實作，不需要 cgo。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 開啟（必要時建立）SQLite 資料庫並執行遷移
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "rooms.db"
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("開啟 sqlite: %w", err)
	}

	// SQLite 單寫者：限制連接池避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("連接 sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite 遷移: %w", err)
	}

	return s, nil
}

// buildDSN 將路徑正規化為 sqlite 驅動可接受的 DSN
//
// 接受 SQLAlchemy 式的 URL：sqlite:///x 是相對路徑 x，
// sqlite:////x 是絕對路徑 /x（前三條斜線屬於 scheme 分隔）。
// 既有部署的 DATABASE_URL=sqlite:///./rooms.db 因此落在工作目錄。
func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite:///"):
		path = "file:" + path[len("sqlite:///"):]
	case strings.HasPrefix(path, "sqlite://"):
		path = "file:" + path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// 已經是 sqlite 認得的形式
	default:
		path = "file:" + path
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// migrate 建立資料表
func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`)
	return err
}

// LoadRoom 載入單一房間記錄
func (s *SQLiteStore) LoadRoom(ctx context.Context, id string) (*RoomRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, password_hash, created_at FROM rooms WHERE id = ?`, id)

	var record RoomRecord
	var createdAt int64
	if err := row.Scan(&record.ID, &record.Name, &record.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查詢房間 %s: %w", id, err)
	}

	record.CreatedAt = time.Unix(createdAt, 0)
	return &record, nil
}

// LoadRooms 載入所有房間記錄
func (s *SQLiteStore) LoadRooms(ctx context.Context) ([]RoomRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, password_hash, created_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("查詢房間列表: %w", err)
	}
	defer rows.Close()

	var records []RoomRecord
	for rows.Next() {
		var record RoomRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.Name, &record.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("讀取房間記錄: %w", err)
		}
		record.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, record)
	}

	return records, rows.Err()
}

// SaveRoom 寫入房間記錄（upsert）
func (s *SQLiteStore) SaveRoom(ctx context.Context, record RoomRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, password_hash, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, password_hash = excluded.password_hash`,
		record.ID, record.Name, record.PasswordHash, record.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("寫入房間 %s: %w", record.ID, err)
	}
	return nil
}

// DeleteRoom 刪除房間記錄
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("刪除房間 %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 關閉資料庫
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
