// Package internal 實現賓果房間的即時協定與狀態機。
//
// 每個房間是一台權威狀態機：房主叫號，玩家只能標記已叫到的號碼，
// 宣告賓果時由伺服器依叫號歷史重新判定，全房間只會有一個贏家。
//
// # 元件
//
//   - Room：房間狀態機（lobby → in_progress → won → reset）
//   - Manager：房間註冊表，產生房間代碼並回收閒置房間
//   - BoardGenerator / WinDetector：盤面產生與連線判定
//   - Gateway：事件分派、ack 回覆、房間事件扇出
//   - WebSocketHub：連線生命週期與心跳
//   - Handler：HTTP 端點（建立房間、查詢、健康檢查、指標）
//   - Limiter：每條連線的事件限流（單機或 Redis）
//
// # 協定
//
// 客戶端送出：
//
//	{"event": "mark-cell", "id": "42", "data": {"roomId": "K7PQ2M", "row": 0, "col": 3}}
//
// 伺服器回覆（只送給發出請求的連線）：
//
//	{"event": "ack", "id": "42", "for": "mark-cell", "ok": true, "data": {"row": 0, "col": 3, "marked": true}}
//
// 房間廣播（所有訂閱者看到相同順序，seq 遞增）：
//
//	{"event": "player-marked", "roomId": "K7PQ2M", "seq": 17, "data": {...}}
//
// 斷線不會移除玩家；客戶端以 create/join 回覆中的 token 送出 rejoin-room 取回身分。
//
// # 並發
//
// 每個房間一把鎖，所有變更在鎖內完成並依序送出事件。
// 鎖順序固定為 room.mu → Gateway.mu，Manager.mu 不與房間鎖巢狀持有。
package internal
