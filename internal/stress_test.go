package internal_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/koopa0/signaling-server/internal"
)

// TestStress_RegistryUnderChurn 壓力測試：加入 / 離開 / 掃描 / 列表併發
//
// 目的不是量測吞吐，而是在 -race 下翻出鎖序與狀態同步問題：
// 高頻的成員變動與激進的清理節奏同時進行，結束後不變量仍須成立。
func TestStress_RegistryUnderChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("短模式跳過壓力測試")
	}

	reg := newTestRegistry(internal.RegistryOptions{})
	defer reg.Shutdown(context.Background())

	// 寬限期極短，讓掃描與加入的競態路徑被高頻踩到
	scheduler := internal.NewScheduler(reg, testLogger(),
		time.Millisecond, 2*time.Millisecond, time.Hour)
	scheduler.Start()
	defer scheduler.Stop()

	const (
		workers      = 20
		roomCount    = 10
		opsPerWorker = 200
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				roomID := fmt.Sprintf("room_%d", i%roomCount)
				connID := fmt.Sprintf("w%d_c%d", worker, i)

				_, err := reg.JoinRoom(context.Background(), roomID,
					internal.NewConn(connID, connID), "")
				if err != nil {
					continue // 關閉窗口內的拒絕是合法結果
				}
				_ = reg.LeaveRoom(roomID, connID)
			}
		}(w)
	}

	// 列表讀者與變動同時進行
	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for summary := range reg.Rooms() {
				_ = summary.MemberCount
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerWG.Wait()

	// 所有成員都已離開，剩餘房間只會是寬限期內的空房
	stats := reg.Stats()
	assert.Equal(t, 0, stats["total_members"])
	assert.Equal(t, stats["total_rooms"], stats["empty_rooms"])
}
