package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
	"github.com/koopa0/system-design/bingo-room/pkg/token"
	"github.com/rs/cors"
)

// Handler HTTP 請求處理器
//
// 遊戲操作只走 WebSocket；HTTP 提供建立房間、查詢與維運端點。
type Handler struct {
	manager *Manager
	tokens  *token.Issuer
	hub     *WebSocketHub
	metrics *Metrics
	origins []string
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, tokens *token.Issuer, hub *WebSocketHub, metrics *Metrics, origins []string, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		tokens:  tokens,
		hub:     hub,
		metrics: metrics,
		origins: origins,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))

	// 遊戲事件（WebSocket 升級不經過 loggerMiddleware，需要原始 ResponseWriter）
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))
	}

	// 健康檢查與監控
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	return cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

// 請求結構
type createRoomRequest struct {
	Name string `json:"name"`
}

// createRoom 創建房間
//
// 房主此時尚未連線，需以回傳的 token 透過 rejoin-room 連上。
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.ErrValidation.WithDetails("無效的請求格式"))
		return
	}

	room, host, err := h.manager.CreateRoom(req.Name)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if err := room.SetConnected(host.ID, false); err != nil {
		h.errorResponse(w, err)
		return
	}

	tok, err := h.tokens.Sign(room.ID, host.ID)
	if err != nil {
		h.errorResponse(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "sign session token"))
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id":   room.ID,
		"player_id": host.ID,
		"token":     tok,
		"status":    room.Status(),
	}, http.StatusCreated)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	status := RoomStatus(query.Get("status"))

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total := h.manager.ListRooms(status, page, limit)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情（不含任何盤面）
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, room.State(""), http.StatusOK)
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
	stats := h.manager.Stats()
	if h.hub != nil {
		stats["connections"] = h.hub.ConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error("內部錯誤", "error", err)
		appErr = apperrors.New(apperrors.ErrCodeInternal, "內部伺服器錯誤")
	}
	h.jsonResponse(w, map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"reason":  appErr.Reason,
		"details": appErr.Details,
	}, httpStatus(appErr.Code))
}

// httpStatus 錯誤碼對應 HTTP 狀態碼
func httpStatus(code string) int {
	switch code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case apperrors.ErrCodeConflict, apperrors.ErrCodeGameOver, apperrors.ErrCodeNoWinningPattern:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
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

				h.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "內部伺服器錯誤"))
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
