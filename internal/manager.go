package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
)

// codeAlphabet 房間代碼字元（去掉 0/O、1/I/L 等易混淆字元）
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// maxCodeAttempts 產生不重複房間代碼的嘗試次數
const maxCodeAttempts = 16

// ManagerOptions 管理器參數
type ManagerOptions struct {
	CodeLength    int
	EmptyGrace    time.Duration // 無人連線多久後回收
	SweepInterval time.Duration
	Metrics       *Metrics
}

// Manager 房間管理器（Room Registry）
//
// 房間代碼即房間 ID，查詢不分大小寫。
// 事件由 Manager 轉交給目前設定的 sink，sink 可以在房間建立之後才設定。
type Manager struct {
	rooms   map[string]*Room // roomID -> Room
	mu      sync.RWMutex
	rules   *Rules
	opts    ManagerOptions
	sink    atomic.Pointer[sinkHolder]
	logger  *slog.Logger
	metrics *Metrics
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type sinkHolder struct {
	sink EventSink
}

// NewManager 創建房間管理器
func NewManager(rules *Rules, opts ManagerOptions, logger *slog.Logger) *Manager {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	m := &Manager{
		rooms:   make(map[string]*Room),
		rules:   rules,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		stopCh:  make(chan struct{}),
	}

	// 啟動清理 goroutine
	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// SetEventSink 設定事件接收者
func (m *Manager) SetEventSink(sink EventSink) {
	m.sink.Store(&sinkHolder{sink: sink})
}

// Publish 轉交房間事件（在房間鎖內被呼叫，不可取 m.mu）
func (m *Manager) Publish(ev Event) {
	if h := m.sink.Load(); h != nil && h.sink != nil {
		h.sink.Publish(ev)
	}
}

// CreateRoom 創建房間，建立者成為房主
func (m *Manager) CreateRoom(hostName string) (*Room, Player, error) {
	if _, err := normalizeName(hostName); err != nil {
		return nil, Player{}, err
	}

	m.mu.Lock()
	roomID, err := m.generateCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, Player{}, err
	}
	room := NewRoom(roomID, m.rules, m)
	// 先佔位，避免其他人拿到相同代碼
	m.rooms[roomID] = room
	m.mu.Unlock()

	host, err := room.Join(hostName)
	if err != nil {
		m.mu.Lock()
		delete(m.rooms, roomID)
		m.mu.Unlock()
		return nil, Player{}, err
	}

	if m.metrics != nil {
		m.metrics.RoomsActive.Inc()
	}
	m.logger.Info("房間已創建",
		"room_id", roomID,
		"host_id", host.ID,
		"host_name", host.Name)

	return room, host, nil
}

// GetRoom 獲取房間（代碼不分大小寫）
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[normalizeCode(roomID)]
	m.mu.RUnlock()

	if !exists {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return room, nil
}

// JoinRoom 加入房間
func (m *Manager) JoinRoom(roomID, name string) (*Room, Player, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return nil, Player{}, err
	}

	p, err := room.Join(name)
	if err != nil {
		return nil, Player{}, err
	}

	m.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"player_id", p.ID,
		"player_name", p.Name)

	return room, p, nil
}

// LeaveRoom 離開房間
//
// 不在這裡移除房間，空房間交給清理機制。
func (m *Manager) LeaveRoom(roomID, playerID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	if err := room.Leave(playerID); err != nil {
		return err
	}

	m.logger.Info("玩家離開房間",
		"room_id", room.ID,
		"player_id", playerID)
	return nil
}

// CloseRoom 關閉並移除房間
func (m *Manager) CloseRoom(roomID, reason string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	room.Close(reason)
	m.removeRoom(room.ID)
	return nil
}

// RoomSummary 房間列表項目
type RoomSummary struct {
	RoomID         string     `json:"room_id"`
	Status         RoomStatus `json:"status"`
	HostName       string     `json:"host_name"`
	CurrentPlayers int        `json:"current_players"`
	MaxPlayers     int        `json:"max_players"`
	CalledCount    int        `json:"called_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListRooms 列出房間（依建立時間排序）
func (m *Manager) ListRooms(status RoomStatus, page, limit int) ([]RoomSummary, int) {
	page = max(page, 1)
	if limit <= 0 {
		limit = 20
	}

	rooms := m.snapshot()
	slices.SortFunc(rooms, func(a, b *Room) int { return a.CreatedAt.Compare(b.CreatedAt) })

	var filtered []RoomSummary
	for _, room := range rooms {
		st := room.Status()
		if status != "" && st != status {
			continue
		}
		filtered = append(filtered, RoomSummary{
			RoomID:         room.ID,
			Status:         st,
			HostName:       room.GetHostName(),
			CurrentPlayers: room.GetPlayerCount(),
			MaxPlayers:     m.rules.MaxPlayers,
			CalledCount:    len(room.CalledNumbers()),
			CreatedAt:      room.CreatedAt,
		})
	}

	total := len(filtered)

	// 分頁
	start := (page - 1) * limit
	end := start + limit
	if start >= total {
		return []RoomSummary{}, total
	}
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// Count 房間數量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// cleanupLoop 清理過期房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Sweep 回收已關閉或無人連線超過寬限期的房間，返回回收數量
//
// 先複製房間清單再逐一檢查，不在持有 m.mu 時取房間鎖。
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	for _, room := range m.snapshot() {
		if !room.IsExpired(now, m.opts.EmptyGrace) {
			continue
		}
		room.Close("idle")
		m.removeRoom(room.ID)
		removed++
		m.logger.Info("房間已過期清理", "room_id", room.ID)
	}
	return removed
}

// removeRoom 移除房間（內部使用）
func (m *Manager) removeRoom(roomID string) {
	m.mu.Lock()
	_, exists := m.rooms[roomID]
	if exists {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	if m.metrics != nil {
		m.metrics.RoomsActive.Dec()
	}
	m.logger.Info("房間已移除", "room_id", roomID)
}

// snapshot 複製目前的房間清單
func (m *Manager) snapshot() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room)
	}
	return out
}

// Stop 停止管理器，關閉所有房間
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		for _, room := range m.snapshot() {
			room.Close("server_shutdown")
		}

		m.logger.Info("房間管理器已停止")
	})
}

// generateCodeLocked 生成不重複的房間代碼（需持有寫鎖）
func (m *Manager) generateCodeLocked() (string, error) {
	for range maxCodeAttempts {
		code, err := randomCode(m.opts.CodeLength)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate room code")
		}
		if _, taken := m.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeInternal,
		fmt.Sprintf("no free room code after %d attempts", maxCodeAttempts))
}

// randomCode 以 crypto/rand 產生代碼
//
// 超過 codeAlphabet 整數倍的位元組直接丟棄，每個字元機率相同。
func randomCode(n int) (string, error) {
	limit := byte(256 - 256%len(codeAlphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Stats 獲取統計資訊
func (m *Manager) Stats() map[string]any {
	statusCount := make(map[RoomStatus]int)
	totalPlayers := 0
	connected := 0

	rooms := m.snapshot()
	for _, room := range rooms {
		statusCount[room.Status()]++
		totalPlayers += room.GetPlayerCount()
		connected += room.ConnectedCount()
	}

	return map[string]any{
		"total_rooms":       len(rooms),
		"total_players":     totalPlayers,
		"connected_players": connected,
		"by_status":         statusCount,
	}
}
