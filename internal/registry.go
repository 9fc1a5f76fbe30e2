package internal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/signaling-server/internal/store"
)

// 系統設計問題：
//   多個請求 goroutine 與一個清理 goroutine 同時操作房間索引，
//   如何保證同一個 id 永遠只對應一個 Room，且刪除與加入不會交錯出錯？
//
// 核心挑戰：
//   1. find-or-create 原子性：兩個併發加入不能為同一 id 各建一個房間
//   2. 刪除與加入互斥：房間不能在加入者眼皮底下被刪掉又換成另一個實例，
//      觀察到「房間不存在」的加入必須安全地重建房間，而不是附著到半刪除的實例上
//   3. 持久化降級：中繼資料寫入失敗不能讓一次成功的記憶體加入失敗
//
// 設計方案：
//   ✅ 單一註冊表鎖守護短臨界區 - 房間建立相對訊息流量極少，競爭可忽略
//   ✅ 鎖內完成 find-or-create + 加入成員，鎖外做持久化與連接關閉
//   ✅ 持久化失敗記錄日誌後繼續（降級為純記憶體狀態）

// Registry 房間註冊表
//
// 進程內唯一的房間權威索引。顯式建構、顯式關閉，
// 以依賴注入傳給請求處理器與清理排程器，不做套件層級單例。
type Registry struct {
	rooms map[string]*Room  // roomID -> Room
	names map[string]string // roomName -> roomID
	mu    sync.RWMutex

	store      store.Store
	logger     *slog.Logger
	maxMembers int  // 單房間成員上限，0 表示不限
	requirePwd bool // 密碼保護總開關
	closed     bool
}

// RegistryOptions 註冊表建構選項
type RegistryOptions struct {
	// MaxMembers 單房間成員上限，0 表示不限制
	MaxMembers int
	// PasswordProtection 關閉時所有房間視為無密碼
	PasswordProtection bool
}

// NewRegistry 建立房間註冊表
func NewRegistry(st store.Store, logger *slog.Logger, opts RegistryOptions) *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		names:      make(map[string]string),
		store:      st,
		logger:     logger,
		maxMembers: opts.MaxMembers,
		requirePwd: opts.PasswordProtection,
	}
}

// Restore 從持久化層恢復房間中繼資料
//
// 重啟後成員關係已不存在，恢復的房間一律進入空房寬限期：
// 有人在寬限期內重連就續命，否則交給清理機制回收。
// 載入失敗只記錄日誌，服務照常以空註冊表啟動。
func (reg *Registry) Restore(ctx context.Context) {
	records, err := reg.store.LoadRooms(ctx)
	if err != nil {
		reg.logger.Error("恢復房間中繼資料失敗，以空註冊表啟動", "error", err)
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, record := range records {
		if _, exists := reg.rooms[record.ID]; exists {
			continue
		}
		room := NewRoom(record.ID, record.Name, record.PasswordHash, reg.maxMembers)
		room.CreatedAt = record.CreatedAt
		reg.rooms[record.ID] = room
		reg.names[record.Name] = record.ID
	}

	if len(records) > 0 {
		reg.logger.Info("已從持久化層恢復房間", "count", len(records))
	}
}

// CreateRoom 顯式建立房間（REST 建立路徑）
//
// 房間名稱唯一，密碼在進入註冊表前就雜湊，明文不落地。
func (reg *Registry) CreateRoom(ctx context.Context, name, password string) (*Room, error) {
	if name == "" {
		return nil, fmt.Errorf("房間名稱不能為空")
	}

	passwordHash := ""
	if reg.requirePwd {
		passwordHash = HashPassword(password)
	}

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, fmt.Errorf("註冊表已關閉")
	}
	if _, exists := reg.names[name]; exists {
		reg.mu.Unlock()
		return nil, fmt.Errorf("房間名稱已存在: %s", name)
	}

	roomID := uuid.NewString()
	room := NewRoom(roomID, name, passwordHash, reg.maxMembers)
	reg.rooms[roomID] = room
	reg.names[name] = roomID
	reg.mu.Unlock()

	reg.persist(ctx, room)

	reg.logger.Info("房間已建立",
		"room_id", roomID,
		"room_name", name,
		"has_password", passwordHash != "")

	return room, nil
}

// JoinRoom 加入房間（不存在則建立）
//
// find-or-create、密碼驗證、加入成員三步在同一個臨界區內完成，
// 與清理排程器的刪除互斥：同一 id 的刪除與（重）建立永遠不會交錯。
// 識別碼先依 id 解析，落空再依名稱解析：顯式建立的房間 id 是 uuid，
// 客戶端拿名稱來連必須附著到既有房間，而不是建出一間同名分身
// （那會破壞名稱唯一性，並讓名稱索引指向錯誤的房間）。
// 兩者都落空才建立新房間，首次加入提供的密碼成為新房間的密碼。
func (reg *Registry) JoinRoom(ctx context.Context, roomID string, conn *Conn, password string) (*Room, error) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, fmt.Errorf("註冊表已關閉")
	}

	room, exists := reg.rooms[roomID]
	if !exists {
		if id, ok := reg.names[roomID]; ok {
			room, exists = reg.rooms[id], true
			roomID = id
		}
	}

	created := false
	if !exists {
		passwordHash := ""
		if reg.requirePwd {
			passwordHash = HashPassword(password)
		}
		room = NewRoom(roomID, roomID, passwordHash, reg.maxMembers)
		reg.rooms[roomID] = room
		reg.names[room.Name] = roomID
		created = true
	}

	if reg.requirePwd && !room.VerifyPassword(password) {
		reg.mu.Unlock()
		return nil, ErrWrongPassword
	}

	if err := room.AddMember(conn); err != nil {
		reg.mu.Unlock()
		return nil, err
	}
	reg.mu.Unlock()

	if created {
		reg.persist(ctx, room)
		reg.logger.Info("房間由首次加入建立", "room_id", roomID)
	}

	reg.logger.Info("成員加入房間",
		"room_id", roomID,
		"conn_id", conn.ID,
		"member_count", room.MemberCount())

	return room, nil
}

// LeaveRoom 離開房間
//
// 房間不存在視為已離開，回傳 ErrRoomNotFound 讓呼叫端自行決定是否忽略。
// 空房間不在這裡刪除：刪除是清理排程器的專屬職責，
// 避免「刪除進行中、同 id 加入在飛」的競態。
func (reg *Registry) LeaveRoom(roomID, connID string) error {
	reg.mu.RLock()
	room, exists := reg.rooms[roomID]
	reg.mu.RUnlock()

	if !exists {
		return ErrRoomNotFound
	}

	if err := room.RemoveMember(connID); err != nil {
		return err
	}

	reg.logger.Info("成員離開房間",
		"room_id", roomID,
		"conn_id", connID,
		"member_count", room.MemberCount())

	return nil
}

// GetRoom 依 id 查找房間
func (reg *Registry) GetRoom(roomID string) (*Room, error) {
	reg.mu.RLock()
	room, exists := reg.rooms[roomID]
	reg.mu.RUnlock()

	if !exists {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// GetRoomByName 依名稱查找房間
func (reg *Registry) GetRoomByName(name string) (*Room, error) {
	reg.mu.RLock()
	roomID, exists := reg.names[name]
	if !exists {
		reg.mu.RUnlock()
		return nil, ErrRoomNotFound
	}
	room := reg.rooms[roomID]
	reg.mu.RUnlock()

	return room, nil
}

// DeleteRoom 刪除房間並強制關閉所有剩餘連接
//
// 清理排程器與顯式關閉請求共用的路徑。冪等：已不存在回傳
// ErrRoomNotFound 作為訊號，呼叫端多半視為 no-op。
// 連接關閉與持久化刪除都在註冊表鎖外進行。
func (reg *Registry) DeleteRoom(ctx context.Context, roomID string) error {
	reg.mu.Lock()
	room, exists := reg.rooms[roomID]
	if !exists {
		reg.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(reg.rooms, roomID)
	delete(reg.names, room.Name)
	reg.mu.Unlock()

	reg.finishDelete(ctx, room)
	return nil
}

// deleteIfExpired 刪除已過期的空房間
//
// 清理排程器的刪除路徑。過期條件在註冊表鎖內重新確認：
// 掃描快照與這裡之間若有新的加入讓房間回到 ACTIVE，
// 刪除就放棄。加入同樣在這把鎖內完成，兩者永不交錯。
func (reg *Registry) deleteIfExpired(ctx context.Context, roomID string, grace time.Duration, now time.Time) bool {
	reg.mu.Lock()
	room, exists := reg.rooms[roomID]
	if !exists {
		reg.mu.Unlock()
		return false
	}

	emptySince, isEmpty := room.EmptySince()
	if !isEmpty || now.Sub(emptySince) < grace {
		reg.mu.Unlock()
		return false
	}

	delete(reg.rooms, roomID)
	delete(reg.names, room.Name)
	reg.mu.Unlock()

	reg.finishDelete(ctx, room)
	return true
}

// finishDelete 鎖外的刪除收尾：關閉連接、清掉持久化記錄
func (reg *Registry) finishDelete(ctx context.Context, room *Room) {
	room.CloseAll()

	if err := reg.store.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// 記憶體與持久化之間允許最終一致，失敗留給下次覆寫或人工清理
		reg.logger.Warn("刪除房間中繼資料失敗", "room_id", room.ID, "error", err)
	}

	reg.logger.Info("房間已刪除", "room_id", room.ID)
}

// Rooms 以惰性、可重啟的序列產出房間摘要
//
// 先在讀鎖內做 copy-on-read 快照再逐一產出，
// 迭代過程不持有任何內部鎖，也不暴露可變參照。
// 順序穩定：依建立時間排序，同刻依 id。
func (reg *Registry) Rooms() iter.Seq[RoomSummary] {
	return func(yield func(RoomSummary) bool) {
		for _, summary := range reg.ListRooms() {
			if !yield(summary) {
				return
			}
		}
	}
}

// ListRooms 獲取房間摘要快照（依建立時間排序）
func (reg *Registry) ListRooms() []RoomSummary {
	reg.mu.RLock()
	summaries := make([]RoomSummary, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		summaries = append(summaries, room.Summary())
	}
	reg.mu.RUnlock()

	slices.SortFunc(summaries, func(a, b RoomSummary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return summaries
}

// RoomExists 檢查房間是否存在
func (reg *Registry) RoomExists(roomID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, exists := reg.rooms[roomID]
	return exists
}

// MemberCount 獲取房間成員數。房間不存在回傳 0。
func (reg *Registry) MemberCount(roomID string) int {
	reg.mu.RLock()
	room, exists := reg.rooms[roomID]
	reg.mu.RUnlock()

	if !exists {
		return 0
	}
	return room.MemberCount()
}

// Stats 獲取統計資訊
func (reg *Registry) Stats() map[string]any {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	totalMembers := 0
	emptyRooms := 0
	for _, room := range reg.rooms {
		n := room.MemberCount()
		totalMembers += n
		if n == 0 {
			emptyRooms++
		}
	}

	return map[string]any{
		"total_rooms":   len(reg.rooms),
		"total_members": totalMembers,
		"empty_rooms":   emptyRooms,
	}
}

// snapshotRooms 獲取房間實例快照
//
// 清理排程器的特權內部讀取：掃描決策需要 emptySince 這類
// 非公開狀態，只在本套件內使用，絕不跨出套件邊界。
func (reg *Registry) snapshotRooms() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Shutdown 關閉註冊表
//
// 同步關閉每一條剩餘連接並清空所有房間，之後的加入與建立
// 一律拒絕。連接的 writePump 會在發送通道關閉時向客戶端
// 送出關閉訊框，成員因此收到強制斷線通知。
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	reg.names = make(map[string]string)
	reg.mu.Unlock()

	for _, room := range rooms {
		room.CloseAll()
	}

	reg.logger.Info("房間註冊表已關閉", "drained_rooms", len(rooms))
}

// persist 寫入房間中繼資料，失敗時降級為純記憶體狀態
func (reg *Registry) persist(ctx context.Context, room *Room) {
	record := store.RoomRecord{
		ID:           room.ID,
		Name:         room.Name,
		PasswordHash: room.passwordHash,
		CreatedAt:    room.CreatedAt,
	}
	if err := reg.store.SaveRoom(ctx, record); err != nil {
		reg.logger.Warn("寫入房間中繼資料失敗，房間僅存在於記憶體",
			"room_id", room.ID,
			"error", err)
	}
}
