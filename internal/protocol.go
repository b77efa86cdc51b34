package internal

import (
	"encoding/json"
	"errors"

	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
)

// 客戶端 → 伺服器事件
const (
	EventCreateRoom = "create-room"
	EventJoinRoom   = "join-room"
	EventRejoinRoom = "rejoin-room"
	EventLeaveRoom  = "leave-room"
	EventStartGame  = "start-game"
	EventCallNumber = "call-number"
	EventMarkCell   = "mark-cell"
	EventClaimBingo = "claim-bingo"
	EventResetGame  = "reset-game"
	EventGetState   = "get-state"
	EventPing       = "ping"
)

// EventAck 請求的回覆（只送給發出請求的連線）
const EventAck = "ack"

// Request 客戶端訊息
//
//	{"event": "call-number", "id": "7", "data": {"roomId": "ABC234", "number": 12}}
//
// id 由客戶端自訂，原樣放回 ack，用來對應請求與回覆。
type Request struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack 請求回覆
type Ack struct {
	Event  string `json:"event"`
	ID     string `json:"id,omitempty"`
	For    string `json:"for"`
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// newAck 建立成功回覆
func newAck(req Request, data any) Ack {
	return Ack{Event: EventAck, ID: req.ID, For: req.Event, OK: true, Data: data}
}

// newErrorAck 建立失敗回覆，非 AppError 一律回 INTERNAL_ERROR 且不外洩細節
func newErrorAck(req Request, err error) Ack {
	ack := Ack{Event: EventAck, ID: req.ID, For: req.Event}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		ack.Code = appErr.Code
		ack.Reason = appErr.Reason
		ack.Error = appErr.Message
		if appErr.Details != "" {
			ack.Error += ": " + appErr.Details
		}
		return ack
	}
	ack.Code = apperrors.ErrCodeInternal
	ack.Error = "internal error"
	return ack
}

// 請求內容

// CreateRoomRequest create-room
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// JoinRoomRequest join-room
type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

// RejoinRoomRequest rejoin-room
type RejoinRoomRequest struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
}

// RoomRequest 只帶房間代碼的請求（start-game、claim-bingo、reset-game 等）
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// CallNumberRequest call-number
type CallNumberRequest struct {
	RoomID string `json:"roomId"`
	Number *int   `json:"number"`
}

// MarkCellRequest mark-cell
type MarkCellRequest struct {
	RoomID string `json:"roomId"`
	Row    *int   `json:"row"`
	Col    *int   `json:"col"`
}

// 回覆內容

// SessionResponse create-room / join-room / rejoin-room 的回覆
type SessionResponse struct {
	RoomID   string    `json:"roomId"`
	PlayerID string    `json:"playerId"`
	Token    string    `json:"token"`
	State    RoomState `json:"state"`
}

// StartGameResponse start-game 的回覆
type StartGameResponse struct {
	Started bool `json:"started"` // false 代表早已開始
}

// MarkCellResponse mark-cell 的回覆
type MarkCellResponse struct {
	Row    int  `json:"row"`
	Col    int  `json:"col"`
	Marked bool `json:"marked"`
}

// ClaimBingoResponse claim-bingo 的回覆
type ClaimBingoResponse struct {
	WinnerID string     `json:"winnerId"`
	Pattern  string     `json:"pattern"`
	Cells    []Position `json:"cells"`
}

// PongResponse ping 的回覆
type PongResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// 廣播內容

// PlayerMarkedPayload player-marked
type PlayerMarkedPayload struct {
	PlayerID string `json:"playerId"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Marked   bool   `json:"marked"`
}

// BingoClaimedPayload bingo-claimed
type BingoClaimedPayload struct {
	WinnerID string `json:"winnerId"`
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
}

// HostChangedPayload host-changed
type HostChangedPayload struct {
	HostID string `json:"hostId"`
}

// PlayerConnectionPayload player-connection
type PlayerConnectionPayload struct {
	PlayerID  string `json:"playerId"`
	Connected bool   `json:"connected"`
}

// RoomClosedPayload room-closed
type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

// decodeData 解析請求內容，缺少或格式錯誤都視為 VALIDATION_ERROR
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperrors.ErrValidation.WithDetails("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.ErrValidation.WithDetails("malformed data")
	}
	return nil
}
