package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 信令傳輸層：每條 WebSocket 連接對應一個 Conn 控制代碼。
//
// 訊息對核心是不透明的：信令封包只看信封欄位（type / to / from），
// payload 原樣轉發，核心不解讀 SDP、ICE 或任何應用語義。
//
// 心跳設計沿用 Ping/Pong 控制訊框：
//   - writePump 以超時的 9/10 週期發送 Ping
//   - readPump 收到 Pong 重置讀取期限並 Touch 控制代碼
//   - 清理排程器另以 lastSeen 判斷死連接，兩道防線各自獨立

// 關閉代碼沿用既有客戶端協議（4000 / 4004），
// 本服務新增的拒絕原因接在同一個 4xxx 區段
const (
	closeWrongPassword = 4000 // 密碼錯誤
	closeDuplicatePeer = 4001 // peer_id 已在房間內
	closeRoomFull      = 4003 // 房間已滿
	closeRoomNotFound  = 4004 // 房間不可用
)

const writeWait = 10 * time.Second

// Envelope 信令訊息信封。Payload 對核心不透明。
// 欄位名稱沿用既有客戶端協議（from_id / to_id）。
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from_id,omitempty"`
	To      string          `json:"to_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PeerInfo 房間內成員的公開描述
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Hub WebSocket 信令中心
type Hub struct {
	registry    *Registry
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connTimeout time.Duration
}

// NewHub 建立信令中心
func NewHub(registry *Registry, logger *slog.Logger, connTimeout time.Duration) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
		},
		connTimeout: connTimeout,
	}
}

// ServeWS 處理信令連接
//
// 路徑：/ws/rooms/{room_id}?peer_id=...&name=...&password=...
// 加入流程（原子的 find-or-create 在註冊表內完成）：
//  1. 升級連接，加入房間（不存在則建立）
//  2. 給新成員送 room_state（既有成員列表）
//  3. 向其他成員廣播 new_peer
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		http.Error(w, "缺少房間 ID", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	peerID := query.Get("peer_id")
	if peerID == "" {
		peerID = uuid.NewString()
	}
	name := query.Get("name")
	if name == "" {
		name = peerID
	}
	password := query.Get("password")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := NewConn(peerID, name)
	room, err := h.registry.JoinRoom(r.Context(), roomID, conn, password)
	if err != nil {
		h.rejectWS(ws, err)
		return
	}

	// 新成員先拿到既有成員快照，再讓其他人知道有新成員
	h.sendRoomState(room, conn)
	h.broadcast(room, &Envelope{
		Type:    "new_peer",
		From:    peerID,
		Payload: mustMarshal(PeerInfo{ID: peerID, Name: name}),
	}, peerID)

	go h.writePump(ws, conn)
	go h.readPump(ws, conn, room)

	h.logger.Info("信令連接建立",
		"room_id", roomID,
		"peer_id", peerID,
		"member_count", room.MemberCount())
}

// rejectWS 以協議關閉代碼拒絕連接
func (h *Hub) rejectWS(ws *websocket.Conn, err error) {
	code := closeRoomNotFound
	switch {
	case errors.Is(err, ErrWrongPassword):
		code = closeWrongPassword
	case errors.Is(err, ErrAlreadyMember):
		code = closeDuplicatePeer
	case errors.Is(err, ErrRoomFull):
		code = closeRoomFull
	}

	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, err.Error()), deadline)
	_ = ws.Close()
}

// sendRoomState 發送房間現況給新成員
func (h *Hub) sendRoomState(room *Room, newcomer *Conn) {
	peers := make([]PeerInfo, 0, room.MemberCount())
	for _, member := range room.Members() {
		if member.ID == newcomer.ID {
			continue
		}
		peers = append(peers, PeerInfo{ID: member.ID, Name: member.Name})
	}

	newcomer.Send(mustMarshal(&Envelope{
		Type:    "room_state",
		Payload: mustMarshal(peers),
	}))
}

// broadcast 向房間內除 excludeID 外的所有成員發送
func (h *Hub) broadcast(room *Room, env *Envelope, excludeID string) {
	message := mustMarshal(env)
	for _, member := range room.Members() {
		if member.ID == excludeID {
			continue
		}
		if !member.Send(message) {
			h.logger.Warn("成員發送緩衝已滿，訊息丟棄",
				"room_id", room.ID,
				"peer_id", member.ID)
		}
	}
}

// relay 轉發給指定成員
func (h *Hub) relay(room *Room, env *Envelope) {
	target, ok := room.Member(env.To)
	if !ok {
		h.logger.Debug("轉發目標不在房間內",
			"room_id", room.ID,
			"to", env.To)
		return
	}

	if !target.Send(mustMarshal(env)) {
		h.logger.Warn("轉發目標緩衝已滿，訊息丟棄",
			"room_id", room.ID,
			"to", env.To)
	}
}

// readPump 讀取客戶端訊息
//
// 每筆入站訊息（含 Pong）都 Touch 控制代碼。帶 to 的信封只轉發給
// 目標成員並注入 from（SDP / ICE 點對點交換）；不帶 to 的信封
// 廣播給房間內其他成員。
func (h *Hub) readPump(ws *websocket.Conn, conn *Conn, room *Room) {
	defer func() {
		h.leave(room, conn)
		_ = ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(h.connTimeout))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.connTimeout))
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"room_id", room.ID,
					"peer_id", conn.ID)
			}
			return
		}

		conn.Touch()
		_ = ws.SetReadDeadline(time.Now().Add(h.connTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.logger.Debug("無法解析信令信封",
				"error", err,
				"room_id", room.ID,
				"peer_id", conn.ID)
			continue
		}

		env.From = conn.ID
		if env.To != "" {
			h.relay(room, &env)
		} else {
			h.broadcast(room, &env, conn.ID)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// Ping 週期取超時的 9/10，確保正常往返能趕在讀取期限前重置。
// 發送通道被關閉（離開、超時回收或註冊表關閉）時向客戶端
// 送出關閉訊框後結束。
func (h *Hub) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.connTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// leave 離開房間並通知剩餘成員。任何路徑重複進入都安全：
// Conn.Close 冪等，重複移除以 ErrNotAMember / ErrRoomNotFound 收尾。
func (h *Hub) leave(room *Room, conn *Conn) {
	conn.Close()

	err := h.registry.LeaveRoom(room.ID, conn.ID)
	if err != nil && !errors.Is(err, ErrRoomNotFound) && !errors.Is(err, ErrNotAMember) {
		h.logger.Warn("離開房間失敗", "room_id", room.ID, "peer_id", conn.ID, "error", err)
		return
	}
	if err != nil {
		// 已由超時回收或註冊表關閉處理過
		return
	}

	h.broadcast(room, &Envelope{
		Type:    "peer_left",
		From:    conn.ID,
		Payload: mustMarshal(PeerInfo{ID: conn.ID, Name: conn.Name}),
	}, conn.ID)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// 僅用於本套件內建型別，不可能失敗
		panic(err)
	}
	return data
}
