package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   如何回收被遺棄的房間，又不誤殺只是短暫變空的房間
//   （斷線與快速重連之間的空窗）？
//
// 房間相對於排程器的狀態機：
//
//	ACTIVE（有成員）→ GRACE（空，寬限期內）→ EXPIRED（空，逾期）→ DELETED（終態）
//	   ↑________________|
//
// GRACE → ACTIVE 在到期前隨時可能發生（新的加入清掉 emptySince）。
// 把「變空」與「刪除」解耦，頁面重新整理這類重連抖動不會
// 摧毀使用者預期短暫存續的房間狀態（密碼、id）。
//
// 失敗處理：
//   單一房間的錯誤或 panic 不能中斷整輪掃描，逐房隔離、記錄日誌、
//   繼續掃下一間。排程器本身永遠不會因為暫時性失敗而終止，
//   下一個 tick 無條件重試。

// Scheduler 清理排程器
//
// 一條長駐背景 goroutine 以固定節奏掃描，與眾多短命的請求
// goroutine 併發運行。與註冊表只透過公開操作溝通，外加一個
// 僅供掃描決策使用的特權內部讀取（snapshotRooms）。
type Scheduler struct {
	registry *Registry
	logger   *slog.Logger

	interval    time.Duration // 掃描節奏
	gracePeriod time.Duration // 空房寬限期
	connTimeout time.Duration // 連接活性超時

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler 建立清理排程器（尚未啟動）
func NewScheduler(registry *Registry, logger *slog.Logger, interval, gracePeriod, connTimeout time.Duration) *Scheduler {
	return &Scheduler{
		registry:    registry,
		logger:      logger,
		interval:    interval,
		gracePeriod: gracePeriod,
		connTimeout: connTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start 啟動背景掃描 goroutine
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()

	s.logger.Info("清理排程器已啟動",
		"interval", s.interval,
		"grace_period", s.gracePeriod,
		"conn_timeout", s.connTimeout)
}

// Stop 停止排程器並等待當前掃描結束。冪等。
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("清理排程器已停止")
}

// loop 排程主迴圈
func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep 執行一輪掃描（公開方法供測試與管理操作使用）
func (s *Scheduler) Sweep() {
	now := time.Now()
	deleted := 0

	for _, room := range s.registry.snapshotRooms() {
		if s.sweepRoom(room, now) {
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info("掃描完成", "deleted_rooms", deleted)
	}
}

// sweepRoom 處理單一房間，回傳是否刪除了該房間
//
// recover 放在這一層：任何一間房間的 panic 都被吸收，
// 剩餘房間照常處理。
func (s *Scheduler) sweepRoom(room *Room, now time.Time) (deleted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("掃描房間時發生 panic，略過該房間",
				"room_id", room.ID,
				"panic", r)
		}
	}()

	// 先處理死連接：關閉並移出成員集合。Conn.Close 冪等，
	// 與顯式離開、註冊表關閉競爭也只會生效一次。
	s.reapStaleConns(room)

	emptySince, isEmpty := room.EmptySince()
	if !isEmpty {
		return false // ACTIVE
	}
	if now.Sub(emptySince) < s.gracePeriod {
		return false // GRACE：留給未來的掃描
	}

	// EXPIRED → DELETED。過期條件在註冊表臨界區內重新確認，
	// 快照之後才加入的成員會讓刪除放棄。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !s.registry.deleteIfExpired(ctx, room.ID, s.gracePeriod, now) {
		return false
	}

	s.logger.Info("已回收過期空房間",
		"room_id", room.ID,
		"empty_for", now.Sub(emptySince))

	return true
}

// reapStaleConns 關閉房間內超時的連接
func (s *Scheduler) reapStaleConns(room *Room) {
	for _, conn := range room.Members() {
		if !conn.IsStale(s.connTimeout) {
			continue
		}

		conn.Close()
		if err := room.RemoveMember(conn.ID); err != nil && !errors.Is(err, ErrNotAMember) {
			s.logger.Warn("移除超時連接失敗", "room_id", room.ID, "conn_id", conn.ID, "error", err)
			continue
		}

		s.logger.Info("已關閉超時連接",
			"room_id", room.ID,
			"conn_id", conn.ID,
			"last_seen", conn.LastSeen())
	}
}
