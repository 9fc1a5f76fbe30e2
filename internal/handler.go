package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// 唯讀查詢（列表、詳情、統計）直接讀註冊表的 copy-on-read 快照，
// 對清理排程器完全非阻塞。
type Handler struct {
	registry *Registry
	config   *Config
	logger   *slog.Logger
}

// NewHandler 建立 HTTP 處理器
func NewHandler(registry *Registry, config *Config, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間管理 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("DELETE /api/v1/rooms/{room_id}", wrap(h.deleteRoom))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type createRoomRequest struct {
	RoomName string `json:"room_name"`
	Password string `json:"password,omitempty"`
}

// createRoom 建立房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	if req.RoomName == "" {
		h.errorResponse(w, "房間名稱不能為空", http.StatusBadRequest)
		return
	}

	room, err := h.registry.CreateRoom(r.Context(), req.RoomName, req.Password)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.jsonResponse(w, room.Summary(), http.StatusCreated)
}

// listRooms 列出房間（附客戶端輪詢提示）
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.registry.ListRooms()

	h.jsonResponse(w, map[string]any{
		"rooms":                    rooms,
		"total":                    len(rooms),
		"refresh_interval_seconds": h.config.Refresh.RoomListSeconds,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	room, err := h.registry.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}

	peers := make([]PeerInfo, 0, room.MemberCount())
	for _, member := range room.Members() {
		peers = append(peers, PeerInfo{ID: member.ID, Name: member.Name})
	}

	h.jsonResponse(w, map[string]any{
		"room":                     room.Summary(),
		"peers":                    peers,
		"refresh_interval_seconds": h.config.Refresh.UserListSeconds,
	}, http.StatusOK)
}

// deleteRoom 顯式關閉房間（管理操作）
func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	if err := h.registry.DeleteRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			h.errorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.registry.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
