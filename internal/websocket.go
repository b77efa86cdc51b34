package internal

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   房間狀態變更如何即時推送給所有玩家，同時處理斷線與慢速客戶端？
//
// 核心挑戰：
//   1. 實時通信：叫號、標記、賓果需要立即送到每個玩家
//   2. 連接管理：斷線、重連、同一玩家多個分頁
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 背壓：慢速客戶端不能拖慢房間
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 只管連線生命週期，協定交給 Gateway
//   ✅ Ping/Pong 心跳 - 檢測死連接
//   ✅ 有界 channel - 佇列滿即斷線

// HubConfig 連線參數
type HubConfig struct {
	SendBuffer     int
	PingInterval   time.Duration // 必須小於 PongWait
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	AllowedOrigins []string // 含 "*" 時不檢查來源
}

// DefaultHubConfig 預設連線參數（54s Ping / 60s 超時）
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:     256,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
		AllowedOrigins: []string{"*"},
	}
}

// HubConfigFrom 由應用配置取出連線參數
func HubConfigFrom(cfg *Config) HubConfig {
	return HubConfig{
		SendBuffer:     cfg.Session.SendBuffer,
		PingInterval:   cfg.Session.PingInterval,
		PongWait:       cfg.Session.PongWait,
		WriteWait:      cfg.Session.WriteWait,
		MaxMessageSize: cfg.Session.MaxMessageSize,
		AllowedOrigins: cfg.Server.CORSAllow,
	}
}

// WebSocketHub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. 連接映射：map[connectionID]*Connection
//     連線與房間的對應由 Gateway 管理，Hub 只負責生命週期與關機。
//
//  2. 並發安全：RWMutex
//     註冊/註銷用寫鎖，計數用讀鎖。
type WebSocketHub struct {
	gateway     *Gateway
	logger      *slog.Logger
	metrics     *Metrics
	cfg         HubConfig
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// Connection WebSocket 連接，實現 Session
type Connection struct {
	id        string
	Conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	hub       *WebSocketHub
	closeOnce sync.Once
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(gateway *Gateway, cfg HubConfig, metrics *Metrics, logger *slog.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	hub := &WebSocketHub{
		gateway:     gateway,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return hub
}

// ServeWS 處理 WebSocket 連接
//
// 連線建立時尚未屬於任何房間，由 create-room / join-room / rejoin-room 綁定。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		id:   uuid.NewString(),
		Conn: conn,
		send: make(chan []byte, hub.cfg.SendBuffer),
		done: make(chan struct{}),
		hub:  hub,
	}

	if !hub.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"session_id", c.id,
		"remote_addr", r.RemoteAddr)
}

// checkOrigin 來源檢查
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	if slices.Contains(hub.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(hub.cfg.AllowedOrigins, origin)
}

// register 註冊連接，Hub 已停止時返回 false
func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.ctx.Err() != nil {
		return false
	}
	hub.connections[c.id] = c
	hub.metrics.Connections.Inc()
	return true
}

// unregister 取消註冊連接
func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[c.id]; exists {
		delete(hub.connections, c.id)
		hub.metrics.Connections.Dec()
	}
}

// Stop 停止 WebSocket Hub，關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.cancel()

	hub.mu.RLock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 獲取連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// ID 實現 Session
func (c *Connection) ID() string { return c.id }

// Send 實現 Session：非阻塞入列
func (c *Connection) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close 實現 Session：通知 writePump 送出關閉幀並結束
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump 讀取客戶端消息
//
// 心跳（讀取端）：PongWait 內沒有收到任何消息（包括 Pong）就關閉連接。
// 同一連線的訊息依序交給 Gateway，回覆順序與請求順序一致。
func (c *Connection) readPump() {
	hub := c.hub
	defer func() {
		hub.unregister(c)
		hub.gateway.Disconnect(c)
		c.Close()
	}()

	if hub.cfg.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait)); err != nil {
		hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait)); err != nil {
			hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"session_id", c.id)
			}
			return
		}

		// 任何訊息都代表連線存活
		if err := c.Conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait)); err != nil {
			hub.logger.Error("設置讀取期限失敗", "error", err)
		}

		if messageType == websocket.TextMessage {
			hub.gateway.Dispatch(hub.ctx, c, message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳（發送端）：每 PingInterval 發送 Ping，客戶端自動回覆 Pong。
// 只有 writePump 寫入連線，gorilla/websocket 不允許並發寫入。
func (c *Connection) writePump() {
	hub := c.hub
	ticker := time.NewTicker(hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					hub.logger.Debug("發送消息失敗", "session_id", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// 優雅關閉：嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
			if err := c.Conn.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}
