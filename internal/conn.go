package internal

import (
	"sync"
	"time"
)

// Conn 代表一條客戶端會話在伺服器端的控制代碼。
//
// 設計考量：
//
//  1. 活性時間戳（lastSeen）：
//     每次收到任何入站活動（訊息或 Pong）都呼叫 Touch 更新，
//     清理排程器以 IsStale 判斷連接是否已死。
//
//  2. 發送通道（send）：
//     對傳輸層的唯一出口，緩衝 256 筆訊息。
//     業務邏輯只做非阻塞寫入，緩衝滿時丟棄（慢消費者不能拖累整個房間）。
//
//  3. 冪等關閉（sync.Once）：
//     Close 可能從三條路徑到達：顯式離開、超時清理、註冊表關閉，
//     三者可能併發，channel 只允許關閉一次。
type Conn struct {
	ID   string
	Name string

	send chan []byte

	mu        sync.Mutex
	lastSeen  time.Time
	closed    bool
	closeOnce sync.Once
}

// NewConn 建立連接控制代碼
func NewConn(id, name string) *Conn {
	return &Conn{
		ID:       id,
		Name:     name,
		send:     make(chan []byte, 256),
		lastSeen: time.Now(),
	}
}

// Touch 更新活性時間戳
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen 獲取最後活動時間
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// IsStale 檢查連接是否超時
func (c *Conn) IsStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen) > timeout
}

// Send 非阻塞送出訊息。回傳 false 表示緩衝已滿或連接已關閉，訊息被丟棄。
//
// 發送與關閉共用同一把鎖：沒有這層保護，Close 關閉 channel 的瞬間
// 另一個 goroutine 的寫入會造成 send on closed channel panic。
// 寫入本身是非阻塞的，鎖的持有時間是微秒級。
func (c *Conn) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// Outbox 獲取發送通道（傳輸層的 writePump 消費）
func (c *Conn) Outbox() <-chan []byte {
	return c.send
}

// Close 標記連接終止並釋放發送通道。冪等，任何路徑重複呼叫都安全。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// Closed 檢查連接是否已關閉
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
