package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/signaling-server/internal"
)

func newTestHandler(t *testing.T) (*internal.Handler, *internal.Registry) {
	t.Helper()

	reg := newTestRegistry(internal.RegistryOptions{PasswordProtection: true})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	return internal.NewHandler(reg, internal.DefaultConfig(), testLogger()), reg
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// TestHandler_CreateRoom 測試建立房間 API
func TestHandler_CreateRoom(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		setup      func(reg *internal.Registry)
		wantStatus int
		validate   func(t *testing.T, body map[string]any)
	}{
		{
			name:       "成功建立房間",
			payload:    `{"room_name": "晨會"}`,
			wantStatus: http.StatusCreated,
			validate: func(t *testing.T, body map[string]any) {
				assert.NotEmpty(t, body["room_id"])
				assert.Equal(t, "晨會", body["room_name"])
				assert.Equal(t, float64(0), body["member_count"])
				assert.Equal(t, false, body["has_password"])
			},
		},
		{
			name:       "建立帶密碼的房間",
			payload:    `{"room_name": "私密會議", "password": "secret"}`,
			wantStatus: http.StatusCreated,
			validate: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["has_password"])
			},
		},
		{
			name:       "房間名稱為空",
			payload:    `{"room_name": ""}`,
			wantStatus: http.StatusBadRequest,
			validate: func(t *testing.T, body map[string]any) {
				assert.Contains(t, body["error"], "名稱")
			},
		},
		{
			name:       "無效的 JSON",
			payload:    `{room_name:}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "房間名稱重複",
			payload: `{"room_name": "晨會"}`,
			setup: func(reg *internal.Registry) {
				_, err := reg.CreateRoom(context.Background(), "晨會", "")
				require.NoError(t, err)
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, reg := newTestHandler(t)
			if tt.setup != nil {
				tt.setup(reg)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms",
				bytes.NewBufferString(tt.payload))
			rec := httptest.NewRecorder()
			handler.Routes().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.validate != nil {
				tt.validate(t, decodeBody(t, rec))
			}
		})
	}
}

// TestHandler_ListRooms 測試房間列表 API
func TestHandler_ListRooms(t *testing.T) {
	handler, reg := newTestHandler(t)

	for i := 0; i < 3; i++ {
		_, err := reg.CreateRoom(context.Background(), fmt.Sprintf("房間 %d", i), "")
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["rooms"], 3)
	// 列表回應帶客戶端輪詢間隔提示
	assert.Equal(t, float64(30), body["refresh_interval_seconds"])
}

// TestHandler_GetRoomDetail 測試房間詳情 API
func TestHandler_GetRoomDetail(t *testing.T) {
	handler, reg := newTestHandler(t)

	room, err := reg.CreateRoom(context.Background(), "晨會", "")
	require.NoError(t, err)
	_, err = reg.JoinRoom(context.Background(), room.ID, internal.NewConn("peer_001", "成員一"), "")
	require.NoError(t, err)

	t.Run("房間存在", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+room.ID, nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)

		peers, ok := body["peers"].([]any)
		require.True(t, ok)
		require.Len(t, peers, 1)
		peer := peers[0].(map[string]any)
		assert.Equal(t, "peer_001", peer["id"])
		assert.Equal(t, "成員一", peer["name"])
		assert.Equal(t, float64(10), body["refresh_interval_seconds"])
	})

	t.Run("房間不存在", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/missing", nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// TestHandler_DeleteRoom 測試顯式關閉房間 API
func TestHandler_DeleteRoom(t *testing.T) {
	handler, reg := newTestHandler(t)

	room, err := reg.CreateRoom(context.Background(), "晨會", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/rooms/"+room.ID, nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
	assert.False(t, reg.RoomExists(room.ID))

	// 重複刪除返回 404
	rec = httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/rooms/"+room.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandler_Health 測試健康檢查
func TestHandler_Health(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

// TestHandler_Stats 測試統計資訊
func TestHandler_Stats(t *testing.T) {
	handler, reg := newTestHandler(t)

	room, err := reg.CreateRoom(context.Background(), "晨會", "")
	require.NoError(t, err)
	_, err = reg.JoinRoom(context.Background(), room.ID, internal.NewConn("peer_001", "成員一"), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total_rooms"])
	assert.Equal(t, float64(1), body["total_members"])
	assert.Equal(t, float64(0), body["empty_rooms"])
}
