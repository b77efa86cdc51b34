package internal

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
)

// 系統設計問題：
//   多名玩家同時送出叫號、標記、宣告賓果，如何保證全房間只有一份一致的歷史？
//
// 核心挑戰：
//   1. 權威狀態：叫號順序與贏家只能由房間決定，客戶端只負責顯示
//   2. 競態：兩人幾乎同時宣告賓果、宣告途中又有新叫號
//   3. 斷線重連：玩家與盤面在斷線後保留，直到主動離開或房間回收
//
// 設計方案：
//   ✅ 每個房間一把互斥鎖，所有變更操作在鎖內執行（同一時間最多一個變更）
//   ✅ 有限狀態機：lobby → in_progress → won → (reset) lobby
//   ✅ 事件在鎖內依序送出，所有訂閱者看到相同順序

// RoomStatus 房間狀態
//
//	lobby → in_progress → won
//	  ↑__________________↓ (reset，僅房主)
//
// closed 代表房間已被回收，之後任何操作都視為房間不存在。
type RoomStatus string

const (
	StatusLobby      RoomStatus = "lobby"       // 尚未開始
	StatusInProgress RoomStatus = "in_progress" // 已開始或已叫號，尚無贏家
	StatusWon        RoomStatus = "won"         // 已有贏家，只允許 reset
	StatusClosed     RoomStatus = "closed"      // 已回收
)

// 廣播事件名稱
const (
	EventPlayerList       = "player-list"
	EventPlayerJoined     = "player-joined"
	EventPlayerLeft       = "player-left"
	EventPlayerConnection = "player-connection"
	EventHostChanged      = "host-changed"
	EventGameStarted      = "game-started"
	EventNumberCalled     = "number-called"
	EventPlayerMarked     = "player-marked"
	EventBingoClaimed     = "bingo-claimed"
	EventGameReset        = "game-reset"
	EventBoardDealt       = "board-dealt"
	EventRoomClosed       = "room-closed"
)

// maxNameLength 玩家名稱上限（字元數）
const maxNameLength = 32

// Player 玩家
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Board     Board     `json:"board"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// PlayerInfo 對外公開的玩家資訊（不含盤面）
type PlayerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHost    bool   `json:"isHost"`
	Connected bool   `json:"connected"`
}

// Event 房間事件
//
// To 不為空時只送給該玩家的連線。
type Event struct {
	Type   string `json:"event"`
	RoomID string `json:"roomId"`
	Seq    uint64 `json:"seq"`
	Data   any    `json:"data,omitempty"`
	To     string `json:"-"`
}

// EventSink 接收房間事件
//
// Publish 在房間鎖內被呼叫，實作不可阻塞，也不可回呼房間。
type EventSink interface {
	Publish(ev Event)
}

// Rules 房間共用的遊戲規則
type Rules struct {
	Generator     *BoardGenerator
	Detector      *WinDetector
	AllowLateJoin bool
	MaxPlayers    int
}

// NewRules 依配置建立規則
func NewRules(cfg GameConfig, maxPlayers int) (*Rules, error) {
	gen, err := NewBoardGenerator(cfg, nil)
	if err != nil {
		return nil, err
	}
	return &Rules{
		Generator:     gen,
		Detector:      NewWinDetectorFromNames(cfg.Patterns),
		AllowLateJoin: cfg.AllowLateJoin,
		MaxPlayers:    maxPlayers,
	}, nil
}

// RoomState 房間快照
type RoomState struct {
	RoomID        string       `json:"roomId"`
	Status        RoomStatus   `json:"status"`
	HostID        string       `json:"hostId"`
	Started       bool         `json:"started"`
	CalledNumbers []int        `json:"calledNumbers"`
	WinnerID      string       `json:"winnerId,omitempty"`
	Players       []PlayerInfo `json:"players"`
	Board         *Board       `json:"board,omitempty"` // 僅請求者自己的盤面
	CreatedAt     time.Time    `json:"createdAt"`
}

// Room 遊戲房間
//
// 系統設計考量：
//
//  1. 並發控制：
//     五個變更操作（join / call / mark / claim / reset / leave）都持有 mu 寫鎖，
//     兩個同時的 claim 由取得鎖的先後決定，第二個看到 won 狀態後回 GAME_OVER。
//
//  2. 事件順序：
//     事件在鎖內編號並交給 sink，sink 只做非阻塞入列。
//
//  3. 資源回收：
//     lastActive 記錄最後活動時間，無人連線超過寬限期由 Manager 回收。
type Room struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	status     RoomStatus
	hostID     string
	players    map[string]*Player
	order      []string // 加入順序
	called     []int    // 叫號歷史（權威順序）
	calledSet  map[int]bool
	started    bool
	winnerID   string
	seq        uint64
	lastActive time.Time

	rules *Rules
	sink  EventSink
}

// NewRoom 創建新房間
func NewRoom(id string, rules *Rules, sink EventSink) *Room {
	now := time.Now()
	return &Room{
		ID:         id,
		CreatedAt:  now,
		status:     StatusLobby,
		players:    make(map[string]*Player),
		calledSet:  make(map[int]bool),
		lastActive: now,
		rules:      rules,
		sink:       sink,
	}
}

// Join 加入玩家
//
// 第一個加入的玩家成為房主。預設允許中途加入（有贏家之前），
// 新玩家拿到全新盤面，已叫過的號碼可以補標。
func (r *Room) Join(name string) (Player, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Player{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return Player{}, apperrors.ErrRoomNotFound
	}
	if r.status == StatusWon {
		return Player{}, apperrors.ErrGameOver
	}
	if r.started && !r.rules.AllowLateJoin {
		return Player{}, apperrors.ErrLateJoinDisabled
	}
	if r.rules.MaxPlayers > 0 && len(r.players) >= r.rules.MaxPlayers {
		return Player{}, apperrors.ErrRoomFull
	}

	p := &Player{
		ID:        uuid.NewString(),
		Name:      name,
		Board:     r.rules.Generator.Generate(),
		Connected: true,
		JoinedAt:  time.Now(),
	}
	r.players[p.ID] = p
	r.order = append(r.order, p.ID)
	if r.hostID == "" {
		r.hostID = p.ID
	}
	r.touch()

	r.emit(EventPlayerJoined, r.infoLocked(p))
	r.emit(EventPlayerList, r.playersLocked())

	return *p, nil
}

// Start 開始遊戲（只有房主可以），已開始則不做任何事
func (r *Room) Start(requesterID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireHostLocked(requesterID); err != nil {
		return false, err
	}
	if r.status == StatusWon {
		return false, apperrors.ErrGameOver
	}
	if r.started {
		return false, nil
	}
	r.startLocked()
	r.touch()
	return true, nil
}

// CallNumber 叫號（只有房主可以）
func (r *Room) CallNumber(requesterID string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireHostLocked(requesterID); err != nil {
		return err
	}
	if r.status == StatusWon {
		return apperrors.ErrGameOver
	}
	if !r.rules.Generator.Callable(n) {
		return apperrors.ErrValidation.WithDetails(fmt.Sprintf("number %d outside the board ranges", n))
	}
	if r.calledSet[n] {
		return apperrors.ErrDuplicateCall
	}

	if !r.started {
		r.startLocked()
	}
	r.called = append(r.called, n)
	r.calledSet[n] = true
	r.touch()

	r.emit(EventNumberCalled, n)
	return nil
}

// MarkCell 切換玩家盤面上一格的標記
//
// 只有已被叫到的號碼可以標記；免費格永遠是已標記，操作視為成功但不改變狀態。
// 返回該格操作後是否為已標記。
func (r *Room) MarkCell(playerID string, row, col int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return false, apperrors.ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return false, apperrors.ErrPlayerNotFound
	}
	if !inBounds(row, col) {
		return false, apperrors.ErrInvalidCell
	}
	if r.status == StatusWon {
		return false, apperrors.ErrGameOver
	}

	cell := &p.Board[row][col]
	if cell.Free {
		return true, nil
	}
	if !r.calledSet[cell.Number] {
		return false, apperrors.ErrCellNotCalled
	}

	if cell.MarkedBy == "" {
		cell.MarkedBy = playerID
	} else {
		cell.MarkedBy = ""
	}
	marked := cell.MarkedBy != ""
	r.touch()

	r.emit(EventPlayerMarked, PlayerMarkedPayload{
		PlayerID: playerID,
		Row:      row,
		Col:      col,
		Marked:   marked,
	})
	return marked, nil
}

// ClaimBingo 宣告賓果
//
// 不相信客戶端的「我贏了」，而是以叫號歷史與玩家自己的標記重新計算。
// 成功後房間進入 won，之後的宣告一律 GAME_OVER。
func (r *Room) ClaimBingo(playerID string) (Pattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return Pattern{}, apperrors.ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return Pattern{}, apperrors.ErrPlayerNotFound
	}
	if r.status == StatusWon {
		return Pattern{}, apperrors.ErrGameOver
	}

	grid := p.Board.Grid(playerID, r.calledSet)
	pattern, ok := r.rules.Detector.Match(grid)
	if !ok {
		return Pattern{}, apperrors.ErrNoWinningPattern
	}

	r.winnerID = playerID
	r.status = StatusWon
	r.touch()

	r.emit(EventBingoClaimed, BingoClaimedPayload{
		WinnerID: playerID,
		Name:     p.Name,
		Pattern:  pattern.Name,
	})
	return pattern, nil
}

// Reset 重新開局（只有房主，且只能在 won 狀態）
//
// 保留玩家身分與房主，重新發盤面，清空叫號與贏家。
func (r *Room) Reset(requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireHostLocked(requesterID); err != nil {
		return err
	}
	if r.status != StatusWon {
		return apperrors.ErrGameNotOver
	}

	for _, id := range r.order {
		r.players[id].Board = r.rules.Generator.Generate()
	}
	r.called = nil
	r.calledSet = make(map[int]bool)
	r.winnerID = ""
	r.started = false
	r.status = StatusLobby
	r.touch()

	r.emit(EventGameReset, nil)
	for _, id := range r.order {
		board := r.players[id].Board
		r.emitTo(id, EventBoardDealt, board)
	}
	return nil
}

// Leave 玩家主動離開
//
// 房主離開時由最早加入的剩餘玩家接任。房間清空後等待 Manager 回收。
func (r *Room) Leave(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return apperrors.ErrRoomNotFound
	}
	if _, ok := r.players[playerID]; !ok {
		return apperrors.ErrPlayerNotFound
	}

	delete(r.players, playerID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == playerID })
	r.touch()

	r.emit(EventPlayerLeft, playerID)

	if r.hostID == playerID {
		r.hostID = ""
		if len(r.order) > 0 {
			r.hostID = r.order[0]
			r.emit(EventHostChanged, HostChangedPayload{HostID: r.hostID})
		}
	}
	r.emit(EventPlayerList, r.playersLocked())
	return nil
}

// SetConnected 更新玩家連線狀態（斷線不移除玩家）
func (r *Room) SetConnected(playerID string, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return apperrors.ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return apperrors.ErrPlayerNotFound
	}
	r.touch()
	if p.Connected == connected {
		return nil
	}
	p.Connected = connected

	r.emit(EventPlayerConnection, PlayerConnectionPayload{
		PlayerID:  playerID,
		Connected: connected,
	})
	return nil
}

// Close 關閉房間
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return
	}
	r.emit(EventRoomClosed, RoomClosedPayload{Reason: reason})
	r.status = StatusClosed
}

// IsExpired 檢查房間是否可回收：已關閉，或無人連線超過寬限期
func (r *Room) IsExpired(now time.Time, grace time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status == StatusClosed {
		return true
	}
	for _, p := range r.players {
		if p.Connected {
			return false
		}
	}
	return now.Sub(r.lastActive) > grace
}

// State 房間快照，viewerID 不為空時附上該玩家的盤面
func (r *Room) State(viewerID string) RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RoomState{
		RoomID:        r.ID,
		Status:        r.status,
		HostID:        r.hostID,
		Started:       r.started,
		CalledNumbers: slices.Clone(r.called),
		WinnerID:      r.winnerID,
		Players:       r.playersLocked(),
		CreatedAt:     r.CreatedAt,
	}
	if st.CalledNumbers == nil {
		st.CalledNumbers = []int{}
	}
	if p, ok := r.players[viewerID]; ok {
		board := p.Board
		st.Board = &board
	}
	return st
}

// Player 返回玩家副本
func (r *Room) Player(playerID string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.players[playerID]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Players 依加入順序返回公開玩家資訊
func (r *Room) Players() []PlayerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playersLocked()
}

// Status 返回房間狀態
func (r *Room) Status() RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// HostID 返回房主 ID
func (r *Room) HostID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

// WinnerID 返回贏家 ID
func (r *Room) WinnerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.winnerID
}

// CalledNumbers 返回叫號歷史副本
func (r *Room) CalledNumbers() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.called)
}

// GetPlayerCount 獲取玩家數量
func (r *Room) GetPlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// ConnectedCount 目前連線中的玩家數量
func (r *Room) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.players {
		if p.Connected {
			n++
		}
	}
	return n
}

// GetHostName 獲取房主名稱
func (r *Room) GetHostName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if host, ok := r.players[r.hostID]; ok {
		return host.Name
	}
	return ""
}

// requireHostLocked 房主檢查（需持有鎖）
func (r *Room) requireHostLocked(requesterID string) error {
	if r.status == StatusClosed {
		return apperrors.ErrRoomNotFound
	}
	if _, ok := r.players[requesterID]; !ok {
		return apperrors.ErrPlayerNotFound
	}
	if requesterID != r.hostID {
		return apperrors.ErrNotHost
	}
	return nil
}

// startLocked lobby → in_progress（需持有鎖）
func (r *Room) startLocked() {
	r.started = true
	r.status = StatusInProgress
	r.emit(EventGameStarted, nil)
}

func (r *Room) touch() { r.lastActive = time.Now() }

func (r *Room) infoLocked(p *Player) PlayerInfo {
	return PlayerInfo{
		ID:        p.ID,
		Name:      p.Name,
		IsHost:    p.ID == r.hostID,
		Connected: p.Connected,
	}
}

func (r *Room) playersLocked() []PlayerInfo {
	out := make([]PlayerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.infoLocked(r.players[id]))
	}
	return out
}

// emit 廣播事件（需持有鎖）
func (r *Room) emit(typ string, data any) {
	r.emitTo("", typ, data)
}

// emitTo 送出事件給指定玩家，to 為空時廣播（需持有鎖）
func (r *Room) emitTo(to, typ string, data any) {
	r.seq++
	if r.sink == nil {
		return
	}
	r.sink.Publish(Event{
		Type:   typ,
		RoomID: r.ID,
		Seq:    r.seq,
		Data:   data,
		To:     to,
	})
}

// normalizeName 去除前後空白並檢查長度
func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.ErrValidation.WithDetails("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", apperrors.ErrValidation.WithDetails(fmt.Sprintf("name longer than %d characters", maxNameLength))
	}
	return name, nil
}
