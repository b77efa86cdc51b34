package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
	"github.com/koopa0/system-design/bingo-room/pkg/token"
)

// Session 一條客戶端連線
//
// Send 不可阻塞，佇列已滿或連線已關閉時返回 false。
// Close 可重複呼叫，也不可阻塞。
type Session interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

// forgetter 可釋放單一連線狀態的限流器
type forgetter interface {
	Forget(key string)
}

// binding 連線與 (房間, 玩家) 的綁定
//
// playerID 為空代表正在加入（已訂閱，尚未取得玩家身分）。
type binding struct {
	sess     Session
	roomID   string
	playerID string
}

// Gateway 事件閘道
//
// 系統設計考量：
//
//  1. 協定與傳輸分離：
//     Gateway 只處理 JSON 事件，WebSocket 細節留在 WebSocketHub，
//     測試可以用記憶體 Session 直接驅動。
//
//  2. 訂閱先於廣播，成功後才換綁定：
//     join 時先暫時訂閱再呼叫 Room.Join，新玩家一定收得到自己觸發的 player-list；
//     請求失敗時撤回訂閱，原本的綁定與連線狀態不受影響。
//
//  3. 慢速連線：
//     Publish 在房間鎖內執行，只做非阻塞入列；佇列滿的連線直接斷開，
//     不拖慢整個房間。
//
//  4. 鎖順序：room.mu → g.mu。持有 g.mu 時不呼叫任何房間方法。
type Gateway struct {
	manager *Manager
	tokens  *token.Issuer
	limiter Limiter
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*binding            // sessionID -> binding
	rooms    map[string]map[string]*binding // roomID -> sessionID -> binding
}

// NewGateway 創建事件閘道並接上 Manager 的事件
func NewGateway(manager *Manager, tokens *token.Issuer, limiter Limiter, metrics *Metrics, logger *slog.Logger) *Gateway {
	if limiter == nil {
		limiter = nopLimiter{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	g := &Gateway{
		manager:  manager,
		tokens:   tokens,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		bindings: make(map[string]*binding),
		rooms:    make(map[string]map[string]*binding),
	}
	manager.SetEventSink(g)
	return g
}

// Publish 實現 EventSink：把房間事件送給訂閱該房間的連線
func (g *Gateway) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("序列化事件失敗", "event", ev.Type, "error", err)
		return
	}

	var slow []Session
	g.mu.RLock()
	for _, b := range g.rooms[ev.RoomID] {
		if ev.To != "" && b.playerID != ev.To {
			continue
		}
		if !b.sess.Send(data) {
			slow = append(slow, b.sess)
		}
	}
	g.mu.RUnlock()

	g.metrics.Broadcasts.WithLabelValues(ev.Type).Inc()

	for _, s := range slow {
		g.metrics.SlowClients.Inc()
		g.logger.Warn("連接緩衝區滿，斷開連接",
			"room_id", ev.RoomID,
			"session_id", s.ID())
		s.Close()
	}

	if ev.Type == EventRoomClosed {
		g.dropRoom(ev.RoomID)
	}
}

// Dispatch 處理一則客戶端訊息並回覆 ack
//
// 同一條連線的訊息依序呼叫 Dispatch，回覆順序與請求順序相同。
func (g *Gateway) Dispatch(ctx context.Context, sess Session, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Event == "" {
		g.reply(sess, newErrorAck(req, apperrors.ErrValidation.WithDetails("malformed message")))
		g.metrics.Events.WithLabelValues("unknown", apperrors.ErrCodeValidation).Inc()
		return
	}

	label := req.Event
	if !knownEvent(req.Event) {
		label = "unknown"
	}

	allowed, err := g.limiter.Allow(ctx, sess.ID())
	if err != nil {
		g.logger.Warn("限流檢查失敗，放行", "session_id", sess.ID(), "error", err)
	}
	if !allowed {
		g.reply(sess, newErrorAck(req, apperrors.ErrRateLimited))
		g.metrics.Events.WithLabelValues(label, apperrors.ErrCodeRateLimited).Inc()
		return
	}

	start := time.Now()
	data, err := g.handle(sess, req)
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.ErrCodeInternal {
			g.logger.Error("處理事件失敗",
				"event", req.Event,
				"session_id", sess.ID(),
				"error", err)
		} else {
			g.logger.Debug("事件被拒絕",
				"event", req.Event,
				"session_id", sess.ID(),
				"code", code,
				"error", err)
		}
		g.reply(sess, newErrorAck(req, err))
		g.metrics.Events.WithLabelValues(label, code).Inc()
		return
	}

	g.reply(sess, newAck(req, data))
	g.metrics.Events.WithLabelValues(label, "ok").Inc()
	g.logger.Debug("事件已處理",
		"event", req.Event,
		"session_id", sess.ID(),
		"duration", time.Since(start))
}

// Disconnect 連線關閉：解除綁定並標記玩家離線（玩家與盤面保留）
func (g *Gateway) Disconnect(sess Session) {
	if f, ok := g.limiter.(forgetter); ok {
		f.Forget(sess.ID())
	}
	g.detach(sess)
}

// Subscribers 房間目前的訂閱連線數
func (g *Gateway) Subscribers(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[normalizeCode(roomID)])
}

// handle 依事件名稱分派
func (g *Gateway) handle(sess Session, req Request) (any, error) {
	switch req.Event {
	case EventCreateRoom:
		return g.createRoom(sess, req)
	case EventJoinRoom:
		return g.joinRoom(sess, req)
	case EventRejoinRoom:
		return g.rejoinRoom(sess, req)
	case EventLeaveRoom:
		return g.leaveRoom(sess, req)
	case EventStartGame:
		return g.startGame(sess, req)
	case EventCallNumber:
		return g.callNumber(sess, req)
	case EventMarkCell:
		return g.markCell(sess, req)
	case EventClaimBingo:
		return g.claimBingo(sess, req)
	case EventResetGame:
		return g.resetGame(sess, req)
	case EventGetState:
		return g.getState(sess, req)
	case EventPing:
		return PongResponse{ServerTime: time.Now().UnixMilli()}, nil
	default:
		return nil, apperrors.ErrValidation.WithDetails("unknown event " + req.Event)
	}
}

// createRoom 創建房間，成功後才解除原本的綁定
func (g *Gateway) createRoom(sess Session, req Request) (any, error) {
	var in CreateRoomRequest
	if err := decodeData(req.Data, &in); err != nil {
		return nil, err
	}

	room, host, err := g.manager.CreateRoom(in.Name)
	if err != nil {
		return nil, err
	}
	prev, next := g.provision(sess, room.ID)
	g.commit(sess, prev, next, host.ID)

	return g.session(room, host.ID)
}

// joinRoom 加入房間
//
// 已綁定同一房間的連線再次加入時直接回傳原本的身分，不建立新玩家。
func (g *Gateway) joinRoom(sess Session, req Request) (any, error) {
	var in JoinRoomRequest
	if err := decodeData(req.Data, &in); err != nil {
		return nil, err
	}
	if in.RoomID == "" {
		return nil, apperrors.ErrValidation.WithDetails("roomId is required")
	}

	room, err := g.manager.GetRoom(in.RoomID)
	if err != nil {
		return nil, err
	}
	if playerID := g.boundPlayer(sess, room.ID); playerID != "" {
		if _, ok := room.Player(playerID); ok {
			return g.session(room, playerID)
		}
	}

	// 先暫時訂閱，新玩家才收得到自己觸發的 player-list
	prev, next := g.provision(sess, room.ID)
	_, p, err := g.manager.JoinRoom(room.ID, in.Name)
	if err != nil {
		g.abort(sess, prev, next)
		return nil, err
	}
	g.commit(sess, prev, next, p.ID)

	return g.session(room, p.ID)
}

// rejoinRoom 以 token 取回原本的玩家身分
func (g *Gateway) rejoinRoom(sess Session, req Request) (any, error) {
	var in RejoinRoomRequest
	if err := decodeData(req.Data, &in); err != nil {
		return nil, err
	}
	if in.Token == "" {
		return nil, apperrors.ErrValidation.WithDetails("token is required")
	}

	claims, err := g.tokens.Verify(in.Token)
	if err != nil {
		return nil, apperrors.ErrInvalidToken
	}
	if in.RoomID != "" && normalizeCode(in.RoomID) != claims.RoomID {
		return nil, apperrors.ErrInvalidToken.WithDetails("token issued for another room")
	}

	room, err := g.manager.GetRoom(claims.RoomID)
	if err != nil {
		return nil, err
	}

	prev, next := g.provision(sess, room.ID)
	if err := room.SetConnected(claims.PlayerID, true); err != nil {
		g.abort(sess, prev, next)
		return nil, err
	}
	g.commit(sess, prev, next, claims.PlayerID)

	g.logger.Info("玩家重新連線",
		"room_id", room.ID,
		"player_id", claims.PlayerID)

	return g.session(room, claims.PlayerID)
}

func (g *Gateway) leaveRoom(sess Session, req Request) (any, error) {
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	if err := g.manager.LeaveRoom(room.ID, playerID); err != nil {
		return nil, err
	}
	g.unbind(sess)
	return nil, nil
}

func (g *Gateway) startGame(sess Session, req Request) (any, error) {
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	started, err := room.Start(playerID)
	if err != nil {
		return nil, err
	}
	return StartGameResponse{Started: started}, nil
}

func (g *Gateway) callNumber(sess Session, req Request) (any, error) {
	var in CallNumberRequest
	if err := decodeData(req.Data, &in); err != nil {
		return nil, err
	}
	if in.Number == nil {
		return nil, apperrors.ErrValidation.WithDetails("number is required")
	}
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	if err := room.CallNumber(playerID, *in.Number); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *Gateway) markCell(sess Session, req Request) (any, error) {
	var in MarkCellRequest
	if err := decodeData(req.Data, &in); err != nil {
		return nil, err
	}
	if in.Row == nil || in.Col == nil {
		return nil, apperrors.ErrValidation.WithDetails("row and col are required")
	}
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	marked, err := room.MarkCell(playerID, *in.Row, *in.Col)
	if err != nil {
		return nil, err
	}
	return MarkCellResponse{Row: *in.Row, Col: *in.Col, Marked: marked}, nil
}

func (g *Gateway) claimBingo(sess Session, req Request) (any, error) {
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	pattern, err := room.ClaimBingo(playerID)
	if err != nil {
		g.metrics.Claims.WithLabelValues(apperrors.CodeOf(err)).Inc()
		return nil, err
	}
	g.metrics.Claims.WithLabelValues("won").Inc()
	g.logger.Info("賓果成立",
		"room_id", room.ID,
		"player_id", playerID,
		"pattern", pattern.Name)

	return ClaimBingoResponse{WinnerID: playerID, Pattern: pattern.Name, Cells: pattern.Cells}, nil
}

func (g *Gateway) resetGame(sess Session, req Request) (any, error) {
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	if err := room.Reset(playerID); err != nil {
		return nil, err
	}
	return room.State(playerID), nil
}

func (g *Gateway) getState(sess Session, req Request) (any, error) {
	room, playerID, err := g.boundRoom(sess, req)
	if err != nil {
		return nil, err
	}
	return room.State(playerID), nil
}

// session 簽發 token 並組合加入回覆
func (g *Gateway) session(room *Room, playerID string) (SessionResponse, error) {
	tok, err := g.tokens.Sign(room.ID, playerID)
	if err != nil {
		return SessionResponse{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "sign session token")
	}
	return SessionResponse{
		RoomID:   room.ID,
		PlayerID: playerID,
		Token:    tok,
		State:    room.State(playerID),
	}, nil
}

// boundRoom 取得連線綁定的房間與玩家
//
// 請求帶有 roomId 時必須與綁定的房間一致。
func (g *Gateway) boundRoom(sess Session, req Request) (*Room, string, error) {
	var in RoomRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &in); err != nil {
			return nil, "", apperrors.ErrValidation.WithDetails("malformed data")
		}
	}

	g.mu.RLock()
	b, ok := g.bindings[sess.ID()]
	var roomID, playerID string
	if ok {
		roomID, playerID = b.roomID, b.playerID
	}
	g.mu.RUnlock()

	if !ok || playerID == "" {
		return nil, "", apperrors.ErrPlayerNotFound.WithDetails("connection has not joined a room")
	}
	if in.RoomID != "" && normalizeCode(in.RoomID) != roomID {
		return nil, "", apperrors.ErrPlayerNotFound.WithDetails("connection is bound to room " + roomID)
	}

	room, err := g.manager.GetRoom(roomID)
	if err != nil {
		g.unbind(sess)
		return nil, "", err
	}
	return room, playerID, nil
}

// boundPlayer 連線在指定房間的玩家 ID，未綁定時為空
func (g *Gateway) boundPlayer(sess Session, roomID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if b, ok := g.bindings[sess.ID()]; ok && b.roomID == roomID {
		return b.playerID
	}
	return ""
}

// provision 暫時訂閱房間事件，原本的綁定保留到 commit 為止
func (g *Gateway) provision(sess Session, roomID string) (prev, next *binding) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev = g.bindings[sess.ID()]
	next = &binding{sess: sess, roomID: roomID}
	subs, ok := g.rooms[roomID]
	if !ok {
		subs = make(map[string]*binding)
		g.rooms[roomID] = subs
	}
	subs[sess.ID()] = next
	return prev, next
}

// abort 撤回暫時訂閱，恢復原本的綁定
func (g *Gateway) abort(sess Session, prev, next *binding) {
	g.mu.Lock()
	defer g.mu.Unlock()

	subs, ok := g.rooms[next.roomID]
	if !ok || subs[sess.ID()] != next {
		return
	}
	if prev != nil && prev.roomID == next.roomID && g.bindings[sess.ID()] == prev {
		subs[sess.ID()] = prev
		return
	}
	delete(subs, sess.ID())
	if len(subs) == 0 {
		delete(g.rooms, next.roomID)
	}
}

// commit 以新綁定取代原本的綁定
//
// 原本的玩家標記為離線，同一玩家的其他連線被取代並關閉。
func (g *Gateway) commit(sess Session, prev, next *binding, playerID string) {
	g.mu.Lock()
	if prev != nil && g.bindings[sess.ID()] == prev && prev.roomID != next.roomID {
		if subs, ok := g.rooms[prev.roomID]; ok {
			delete(subs, sess.ID())
			if len(subs) == 0 {
				delete(g.rooms, prev.roomID)
			}
		}
	}
	next.playerID = playerID
	g.bindings[sess.ID()] = next
	subs, ok := g.rooms[next.roomID]
	if !ok {
		subs = make(map[string]*binding)
		g.rooms[next.roomID] = subs
	}
	subs[sess.ID()] = next

	var replaced []Session
	for sid, other := range subs {
		if sid != sess.ID() && other.playerID == playerID {
			delete(subs, sid)
			delete(g.bindings, sid)
			replaced = append(replaced, other.sess)
		}
	}
	g.mu.Unlock()

	g.closeAll(replaced)
	if prev != nil && !(prev.roomID == next.roomID && prev.playerID == playerID) {
		g.markOffline(prev)
	}
}

// unbind 解除綁定，返回原本的綁定（可能為 nil）
func (g *Gateway) unbind(sess Session) *binding {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.bindings[sess.ID()]
	if !ok {
		return nil
	}
	delete(g.bindings, sess.ID())
	if subs, ok := g.rooms[b.roomID]; ok {
		delete(subs, sess.ID())
		if len(subs) == 0 {
			delete(g.rooms, b.roomID)
		}
	}
	return b
}

// detach 解除綁定並把玩家標記為離線
func (g *Gateway) detach(sess Session) {
	if b := g.unbind(sess); b != nil {
		g.markOffline(b)
	}
}

// markOffline 把綁定的玩家標記為離線（不可持有 g.mu）
func (g *Gateway) markOffline(b *binding) {
	if b.playerID == "" {
		return
	}
	room, err := g.manager.GetRoom(b.roomID)
	if err != nil {
		return
	}
	if err := room.SetConnected(b.playerID, false); err != nil {
		g.logger.Debug("標記離線失敗", "room_id", b.roomID, "player_id", b.playerID, "error", err)
		return
	}
	g.logger.Info("玩家斷線",
		"room_id", b.roomID,
		"player_id", b.playerID)
}

// dropRoom 房間關閉後移除所有訂閱（在房間鎖內被呼叫，只取 g.mu）
func (g *Gateway) dropRoom(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for sid, b := range g.rooms[roomID] {
		// 暫時訂閱的連線保留原本的綁定
		if g.bindings[sid] == b {
			delete(g.bindings, sid)
		}
	}
	delete(g.rooms, roomID)
}

func (g *Gateway) closeAll(sessions []Session) {
	for _, s := range sessions {
		s.Close()
	}
}

// reply 送出 ack，佇列滿時斷開連線
func (g *Gateway) reply(sess Session, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		g.logger.Error("序列化回覆失敗", "event", ack.For, "error", err)
		return
	}
	if !sess.Send(data) {
		g.metrics.SlowClients.Inc()
		sess.Close()
	}
}

func knownEvent(name string) bool {
	switch name {
	case EventCreateRoom, EventJoinRoom, EventRejoinRoom, EventLeaveRoom,
		EventStartGame, EventCallNumber, EventMarkCell, EventClaimBingo,
		EventResetGame, EventGetState, EventPing:
		return true
	}
	return false
}
