// Package errors 提供房間協定的錯誤分類
//
// 所有錯誤都可恢復，只回覆給發出請求的連線，不會廣播。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 欄位缺失或格式錯誤
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeNotFound 房間或玩家不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeUnauthorized 非房主執行房主操作
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeConflict 重複叫號、格子狀態不允許等
	ErrCodeConflict = "CONFLICT"
	// ErrCodeGameOver 已有贏家後的操作
	ErrCodeGameOver = "GAME_OVER"
	// ErrCodeNoWinningPattern 宣告賓果但沒有連線
	ErrCodeNoWinningPattern = "NO_WINNING_PATTERN"
	// ErrCodeRateLimited 連線送出事件過快
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// 細分原因（同一錯誤碼下的具體情境）
const (
	ReasonDuplicateCall    = "DUPLICATE_CALL"
	ReasonCellNotCalled    = "CELL_NOT_CALLED"
	ReasonInvalidCell      = "INVALID_CELL"
	ReasonUnknownPlayer    = "UNKNOWN_PLAYER"
	ReasonUnknownRoom      = "UNKNOWN_ROOM"
	ReasonGameNotOver      = "GAME_NOT_OVER"
	ReasonLateJoinDisabled = "LATE_JOIN_DISABLED"
	ReasonRoomFull         = "ROOM_FULL"
	ReasonInvalidToken     = "INVALID_TOKEN"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 錯誤碼相同即視為相符；目標帶有 Reason 時 Reason 也必須相同。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if e.Code != t.Code {
		return false
	}
	return t.Reason == "" || e.Reason == t.Reason
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewWithReason 創建帶細分原因的錯誤
func NewWithReason(code, reason, message string) *AppError {
	return &AppError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本，預定義錯誤本身不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// 預定義錯誤
var (
	ErrValidation = New(ErrCodeValidation, "invalid request")

	ErrRoomNotFound   = NewWithReason(ErrCodeNotFound, ReasonUnknownRoom, "room not found")
	ErrPlayerNotFound = NewWithReason(ErrCodeNotFound, ReasonUnknownPlayer, "player not found")

	ErrNotHost = New(ErrCodeUnauthorized, "only the host can do this")

	ErrDuplicateCall    = NewWithReason(ErrCodeConflict, ReasonDuplicateCall, "number already called")
	ErrCellNotCalled    = NewWithReason(ErrCodeConflict, ReasonCellNotCalled, "number has not been called")
	ErrInvalidCell      = NewWithReason(ErrCodeValidation, ReasonInvalidCell, "cell out of range")
	ErrGameNotOver      = NewWithReason(ErrCodeConflict, ReasonGameNotOver, "game has no winner yet")
	ErrLateJoinDisabled = NewWithReason(ErrCodeConflict, ReasonLateJoinDisabled, "game already started")
	ErrRoomFull         = NewWithReason(ErrCodeConflict, ReasonRoomFull, "room is full")

	ErrGameOver         = New(ErrCodeGameOver, "game is over")
	ErrNoWinningPattern = New(ErrCodeNoWinningPattern, "no winning pattern")

	ErrInvalidToken = NewWithReason(ErrCodeUnauthorized, ReasonInvalidToken, "invalid session token")
	ErrRateLimited  = New(ErrCodeRateLimited, "too many events")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsUnauthorized 檢查是否為權限錯誤
func IsUnauthorized(err error) bool {
	return CodeOf(err) == ErrCodeUnauthorized
}

// IsConflict 檢查是否為衝突錯誤
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsGameOver 檢查是否為遊戲已結束錯誤
func IsGameOver(err error) bool {
	return CodeOf(err) == ErrCodeGameOver
}
