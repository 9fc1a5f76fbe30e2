package internal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// 系統設計問題：
//   如何追蹤一個信令房間的成員集合，並讓「房間何時變空」成為可靠的事實？
//
// 核心挑戰：
//   1. 並發控制：多個客戶端同時加入 / 離開同一房間
//   2. 空房偵測：emptySince 必須與成員集合嚴格同步（清理排程器依賴它做刪除決策）
//   3. 密碼保護：驗證必須恆定時間，避免計時側信道
//
// 設計方案：
//   ✅ RWMutex - 讀多寫少（列表查詢頻繁、成員變動少）
//   ✅ 不變量：emptySince != nil 若且唯若成員集合為空（鎖內維護）
//   ✅ sha256 + subtle.ConstantTimeCompare - 密碼比對

// Room 信令房間
//
// 生命週期：首次成功加入不存在的 id 時建立，由清理排程器
// 或顯式關閉請求銷毀。空房間不立即刪除，在寬限期內保留
// 密碼與 id，吸收斷線重連（如頁面重新整理）造成的抖動。
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time

	// 密碼以 sha256 十六進位儲存，空字串表示無密碼保護
	passwordHash string

	mu             sync.RWMutex
	members        map[string]*Conn
	maxMembers     int // 0 表示不限
	lastNonEmptyAt time.Time
	emptySince     *time.Time
}

// RoomSummary 房間摘要（列表查詢用的唯讀快照）
type RoomSummary struct {
	ID          string    `json:"room_id"`
	Name        string    `json:"room_name"`
	MemberCount int       `json:"member_count"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashPassword 計算密碼雜湊。空密碼回傳空字串（無保護）。
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// NewRoom 建立新房間。maxMembers 為 0 表示不限制成員數。
func NewRoom(id, name, passwordHash string, maxMembers int) *Room {
	now := time.Now()
	emptySince := now
	return &Room{
		ID:             id,
		Name:           name,
		CreatedAt:      now,
		passwordHash:   passwordHash,
		members:        make(map[string]*Conn),
		maxMembers:     maxMembers,
		lastNonEmptyAt: now,
		emptySince:     &emptySince,
	}
}

// AddMember 加入成員
//
// 清除 emptySince 並更新 lastNonEmptyAt，讓寬限期內重新有人的
// 房間回到 ACTIVE 狀態，不會被下一次清理掃描刪除。
func (r *Room) AddMember(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[conn.ID]; exists {
		return ErrAlreadyMember
	}
	if r.maxMembers > 0 && len(r.members) >= r.maxMembers {
		return ErrRoomFull
	}

	r.members[conn.ID] = conn
	r.emptySince = nil
	r.lastNonEmptyAt = time.Now()

	return nil
}

// RemoveMember 移除成員。成員集合變空的瞬間記下 emptySince。
func (r *Room) RemoveMember(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; !exists {
		return ErrNotAMember
	}

	delete(r.members, connID)
	if len(r.members) == 0 {
		now := time.Now()
		r.emptySince = &now
	}

	return nil
}

// VerifyPassword 驗證密碼
//
// 恆定時間比對：密碼保護功能雖然薄，但屬於安全敏感路徑，
// 直接字串比較會洩漏前綴匹配長度。無密碼的房間永遠通過。
func (r *Room) VerifyPassword(candidate string) bool {
	if r.passwordHash == "" {
		return true
	}
	candidateHash := HashPassword(candidate)
	return subtle.ConstantTimeCompare([]byte(r.passwordHash), []byte(candidateHash)) == 1
}

// HasPassword 檢查房間是否有密碼保護
func (r *Room) HasPassword() bool {
	return r.passwordHash != ""
}

// IsEmpty 檢查房間是否無成員
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// EmptySince 獲取房間變空的時間點。非空房間回傳 (zero, false)。
func (r *Room) EmptySince() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.emptySince == nil {
		return time.Time{}, false
	}
	return *r.emptySince, true
}

// LastNonEmptyAt 獲取最後一次有成員的時間
func (r *Room) LastNonEmptyAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastNonEmptyAt
}

// MemberCount 獲取成員數量
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Member 依 id 查找成員
func (r *Room) Member(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.members[connID]
	return conn, ok
}

// Members 獲取成員快照（複製切片，不暴露內部 map 與鎖）
func (r *Room) Members() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Conn, 0, len(r.members))
	for _, conn := range r.members {
		members = append(members, conn)
	}
	return members
}

// CloseAll 強制關閉所有成員連接並清空成員集合。
// 用於註冊表刪除房間與進程關閉，Conn.Close 保證冪等。
func (r *Room) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.members))
	for _, conn := range r.members {
		conns = append(conns, conn)
	}
	r.members = make(map[string]*Conn)
	now := time.Now()
	r.emptySince = &now
	r.mu.Unlock()

	// 關閉動作移出鎖外，不在持鎖期間做任何對外動作
	for _, conn := range conns {
		conn.Close()
	}
}

// Summary 產生房間摘要
func (r *Room) Summary() RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		MemberCount: len(r.members),
		HasPassword: r.passwordHash != "",
		CreatedAt:   r.CreatedAt,
	}
}
