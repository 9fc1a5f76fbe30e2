package internal_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/signaling-server/internal"
)

// requireEmptyInvariant 驗證核心不變量：IsEmpty 為真若且唯若 emptySince 已設置
func requireEmptyInvariant(t *testing.T, room *internal.Room) {
	t.Helper()
	_, hasEmptySince := room.EmptySince()
	require.Equal(t, room.IsEmpty(), hasEmptySince,
		"emptySince 必須與成員集合嚴格同步")
}

// TestNewRoom 測試建立新房間
func TestNewRoom(t *testing.T) {
	tests := []struct {
		name         string
		roomID       string
		roomName     string
		passwordHash string
		maxMembers   int
		validate     func(t *testing.T, room *internal.Room)
	}{
		{
			name:         "create room without password",
			roomID:       "room_001",
			roomName:     "測試房間",
			passwordHash: "",
			maxMembers:   0,
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, "room_001", room.ID)
				assert.Equal(t, "測試房間", room.Name)
				assert.False(t, room.HasPassword())
				assert.True(t, room.IsEmpty())
				assert.Equal(t, 0, room.MemberCount())
			},
		},
		{
			name:         "create room with password",
			roomID:       "room_002",
			roomName:     "私人房間",
			passwordHash: internal.HashPassword("secret123"),
			maxMembers:   4,
			validate: func(t *testing.T, room *internal.Room) {
				assert.True(t, room.HasPassword())
				assert.True(t, room.VerifyPassword("secret123"))
				assert.False(t, room.VerifyPassword("wrong"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := internal.NewRoom(tt.roomID, tt.roomName, tt.passwordHash, tt.maxMembers)

			require.NotNil(t, room)
			requireEmptyInvariant(t, room)
			tt.validate(t, room)
		})
	}
}

// TestRoom_AddMember 測試加入成員
func TestRoom_AddMember(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(room *internal.Room)
		conn      *internal.Conn
		wantErr   error
		validate  func(t *testing.T, room *internal.Room)
	}{
		{
			name:    "add member to empty room",
			conn:    internal.NewConn("peer_001", "成員一"),
			wantErr: nil,
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, 1, room.MemberCount())
				assert.False(t, room.IsEmpty())

				// 變為非空的瞬間 emptySince 必須清空
				_, hasEmptySince := room.EmptySince()
				assert.False(t, hasEmptySince)
			},
		},
		{
			name: "duplicate member rejected",
			setupFunc: func(room *internal.Room) {
				require.NoError(t, room.AddMember(internal.NewConn("peer_001", "成員一")))
			},
			conn:    internal.NewConn("peer_001", "成員一"),
			wantErr: internal.ErrAlreadyMember,
			validate: func(t *testing.T, room *internal.Room) {
				// 冪等性：重複加入不改變成員數
				assert.Equal(t, 1, room.MemberCount())
			},
		},
		{
			name: "room full",
			setupFunc: func(room *internal.Room) {
				require.NoError(t, room.AddMember(internal.NewConn("peer_001", "成員一")))
				require.NoError(t, room.AddMember(internal.NewConn("peer_002", "成員二")))
			},
			conn:    internal.NewConn("peer_003", "成員三"),
			wantErr: internal.ErrRoomFull,
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, 2, room.MemberCount())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := internal.NewRoom("room_001", "測試房間", "", 2)
			if tt.setupFunc != nil {
				tt.setupFunc(room)
			}

			err := room.AddMember(tt.conn)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			requireEmptyInvariant(t, room)
			tt.validate(t, room)
		})
	}
}

// TestRoom_RemoveMember 測試移除成員
func TestRoom_RemoveMember(t *testing.T) {
	t.Run("remove existing member", func(t *testing.T) {
		room := internal.NewRoom("room_001", "測試房間", "", 0)
		require.NoError(t, room.AddMember(internal.NewConn("peer_001", "成員一")))
		require.NoError(t, room.AddMember(internal.NewConn("peer_002", "成員二")))

		require.NoError(t, room.RemoveMember("peer_001"))
		assert.Equal(t, 1, room.MemberCount())
		requireEmptyInvariant(t, room)

		// 還有成員，不該進入空房狀態
		_, hasEmptySince := room.EmptySince()
		assert.False(t, hasEmptySince)
	})

	t.Run("last member leaving sets emptySince", func(t *testing.T) {
		room := internal.NewRoom("room_001", "測試房間", "", 0)
		require.NoError(t, room.AddMember(internal.NewConn("peer_001", "成員一")))

		require.NoError(t, room.RemoveMember("peer_001"))
		assert.True(t, room.IsEmpty())

		emptySince, ok := room.EmptySince()
		require.True(t, ok)
		assert.False(t, emptySince.IsZero())
		requireEmptyInvariant(t, room)
	})

	t.Run("remove unknown member", func(t *testing.T) {
		room := internal.NewRoom("room_001", "測試房間", "", 0)

		err := room.RemoveMember("ghost")
		require.ErrorIs(t, err, internal.ErrNotAMember)
		requireEmptyInvariant(t, room)
	})
}

// TestRoom_VerifyPassword 測試密碼驗證
func TestRoom_VerifyPassword(t *testing.T) {
	t.Run("no password accepts anything", func(t *testing.T) {
		room := internal.NewRoom("room_001", "公開房間", "", 0)

		assert.True(t, room.VerifyPassword(""))
		assert.True(t, room.VerifyPassword("anything"))
	})

	t.Run("password protected", func(t *testing.T) {
		room := internal.NewRoom("room_001", "私人房間", internal.HashPassword("secret123"), 0)

		assert.True(t, room.VerifyPassword("secret123"))
		assert.False(t, room.VerifyPassword(""))
		assert.False(t, room.VerifyPassword("secret12"))
		assert.False(t, room.VerifyPassword("secret1234"))
		assert.False(t, room.VerifyPassword("SECRET123"))
	})
}

// TestHashPassword 測試密碼雜湊
func TestHashPassword(t *testing.T) {
	assert.Empty(t, internal.HashPassword(""))
	assert.NotEmpty(t, internal.HashPassword("secret"))
	assert.Equal(t, internal.HashPassword("secret"), internal.HashPassword("secret"))
	assert.NotEqual(t, internal.HashPassword("secret"), internal.HashPassword("Secret"))
}

// TestRoom_CloseAll 測試強制關閉所有成員
func TestRoom_CloseAll(t *testing.T) {
	room := internal.NewRoom("room_001", "測試房間", "", 0)

	conns := make([]*internal.Conn, 3)
	for i := range conns {
		conns[i] = internal.NewConn(fmt.Sprintf("peer_%03d", i), fmt.Sprintf("成員%d", i))
		require.NoError(t, room.AddMember(conns[i]))
	}

	room.CloseAll()

	assert.True(t, room.IsEmpty())
	requireEmptyInvariant(t, room)
	for _, conn := range conns {
		assert.True(t, conn.Closed())
	}

	// 冪等：重複關閉安全
	room.CloseAll()
}

// TestRoom_ConcurrentMembership 測試併發成員操作下的不變量
func TestRoom_ConcurrentMembership(t *testing.T) {
	room := internal.NewRoom("room_001", "測試房間", "", 0)

	var wg sync.WaitGroup
	memberCount := 50

	for i := 0; i < memberCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn := internal.NewConn(fmt.Sprintf("peer_%03d", idx), fmt.Sprintf("成員%d", idx))
			assert.NoError(t, room.AddMember(conn))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, memberCount, room.MemberCount())
	requireEmptyInvariant(t, room)

	// 全部離開
	for i := 0; i < memberCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			assert.NoError(t, room.RemoveMember(fmt.Sprintf("peer_%03d", idx)))
		}(i)
	}
	wg.Wait()

	assert.True(t, room.IsEmpty())
	requireEmptyInvariant(t, room)
}

// TestRoom_Summary 測試摘要快照
func TestRoom_Summary(t *testing.T) {
	room := internal.NewRoom("room_001", "測試房間", internal.HashPassword("pw"), 0)
	require.NoError(t, room.AddMember(internal.NewConn("peer_001", "成員一")))

	summary := room.Summary()
	assert.Equal(t, "room_001", summary.ID)
	assert.Equal(t, "測試房間", summary.Name)
	assert.Equal(t, 1, summary.MemberCount)
	assert.True(t, summary.HasPassword)
	assert.Equal(t, room.CreatedAt, summary.CreatedAt)
}
