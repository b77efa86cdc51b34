package internal_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/bingo-room/internal"
	apperrors "github.com/koopa0/system-design/bingo-room/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink 記錄房間事件
type recordingSink struct {
	mu     sync.Mutex
	events []internal.Event
}

func (s *recordingSink) Publish(ev internal.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []internal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.Event(nil), s.events...)
}

func (s *recordingSink) types() []string {
	var out []string
	for _, ev := range s.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) count(typ string) int {
	n := 0
	for _, ev := range s.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// newTestRules 以固定種子建立規則
func newTestRules(t *testing.T, mutate ...func(*internal.GameConfig)) *internal.Rules {
	t.Helper()

	cfg := internal.DefaultGameConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	gen, err := internal.NewBoardGenerator(cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	return &internal.Rules{
		Generator:     gen,
		Detector:      internal.NewWinDetectorFromNames(cfg.Patterns),
		AllowLateJoin: cfg.AllowLateJoin,
		MaxPlayers:    10,
	}
}

// newTestRoom 建立房間並加入房主
func newTestRoom(t *testing.T) (*internal.Room, *recordingSink, internal.Player) {
	t.Helper()

	sink := &recordingSink{}
	room := internal.NewRoom("ROOM01", newTestRules(t), sink)
	host, err := room.Join("Alice")
	require.NoError(t, err)
	return room, sink, host
}

// rowNumbers 取出玩家盤面某一列的號碼
func rowNumbers(t *testing.T, room *internal.Room, playerID string, row int) []int {
	t.Helper()

	p, ok := room.Player(playerID)
	require.True(t, ok)
	out := make([]int, 0, internal.BoardSize)
	for c := 0; c < internal.BoardSize; c++ {
		out = append(out, p.Board[row][c].Number)
	}
	return out
}

// callAll 叫出號碼，略過已叫過的
func callAll(t *testing.T, room *internal.Room, hostID string, numbers ...int) {
	t.Helper()

	for _, n := range numbers {
		err := room.CallNumber(hostID, n)
		if err != nil {
			require.ErrorIs(t, err, apperrors.ErrDuplicateCall)
		}
	}
}

// markRow 標記一整列
func markRow(t *testing.T, room *internal.Room, playerID string, row, cells int) {
	t.Helper()

	for c := 0; c < cells; c++ {
		marked, err := room.MarkCell(playerID, row, c)
		require.NoError(t, err)
		require.True(t, marked)
	}
}

// TestRoom_Join 測試加入房間
func TestRoom_Join(t *testing.T) {
	room, sink, host := newTestRoom(t)

	assert.Equal(t, host.ID, room.HostID())
	assert.Equal(t, internal.StatusLobby, room.Status())
	assert.True(t, host.Connected)
	assert.Equal(t, []string{internal.EventPlayerJoined, internal.EventPlayerList}, sink.types())

	bob, err := room.Join("  Bob  ")
	require.NoError(t, err)
	assert.Equal(t, "Bob", bob.Name)
	assert.NotEqual(t, host.ID, bob.ID)
	assert.Equal(t, host.ID, room.HostID(), "第二位玩家不會成為房主")

	players := room.Players()
	require.Len(t, players, 2)
	assert.Equal(t, host.ID, players[0].ID)
	assert.True(t, players[0].IsHost)
	assert.False(t, players[1].IsHost)
}

// TestRoom_JoinErrors 測試加入房間的錯誤
func TestRoom_JoinErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) *internal.Room
		player  string
		wantErr error
	}{
		{
			name: "empty name",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := newTestRoom(t)
				return room
			},
			player:  "   ",
			wantErr: apperrors.ErrValidation,
		},
		{
			name: "name too long",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := newTestRoom(t)
				return room
			},
			player:  "abcdefghijklmnopqrstuvwxyz0123456789",
			wantErr: apperrors.ErrValidation,
		},
		{
			name: "room full",
			setup: func(t *testing.T) *internal.Room {
				rules := newTestRules(t)
				rules.MaxPlayers = 1
				room := internal.NewRoom("ROOM01", rules, nil)
				_, err := room.Join("Alice")
				require.NoError(t, err)
				return room
			},
			player:  "Bob",
			wantErr: apperrors.ErrRoomFull,
		},
		{
			name: "late join disabled",
			setup: func(t *testing.T) *internal.Room {
				rules := newTestRules(t, func(c *internal.GameConfig) { c.AllowLateJoin = false })
				room := internal.NewRoom("ROOM01", rules, nil)
				host, err := room.Join("Alice")
				require.NoError(t, err)
				_, err = room.Start(host.ID)
				require.NoError(t, err)
				return room
			},
			player:  "Bob",
			wantErr: apperrors.ErrLateJoinDisabled,
		},
		{
			name: "closed room",
			setup: func(t *testing.T) *internal.Room {
				room, _, _ := newTestRoom(t)
				room.Close("test")
				return room
			},
			player:  "Bob",
			wantErr: apperrors.ErrRoomNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.setup(t)
			_, err := room.Join(tt.player)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestRoom_LateJoin 測試遊戲進行中加入可以補標已叫號碼
func TestRoom_LateJoin(t *testing.T) {
	room, _, host := newTestRoom(t)
	require.NoError(t, room.CallNumber(host.ID, 1))

	bob, err := room.Join("Bob")
	require.NoError(t, err)

	// 全部叫完後 Bob 可以完成任何一列
	callAll(t, room, host.ID, seq(1, 75)...)
	markRow(t, room, bob.ID, 0, internal.BoardSize)

	pattern, err := room.ClaimBingo(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "row", pattern.Name)

	_, err = room.Join("Carol")
	assert.ErrorIs(t, err, apperrors.ErrGameOver, "有贏家之後不能加入")
}

// TestRoom_Start 測試開始遊戲
func TestRoom_Start(t *testing.T) {
	room, sink, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)

	_, err = room.Start(bob.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotHost)
	assert.True(t, apperrors.IsUnauthorized(err))

	started, err := room.Start(host.ID)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, internal.StatusInProgress, room.Status())

	started, err = room.Start(host.ID)
	require.NoError(t, err)
	assert.False(t, started, "重複開始不做任何事")
	assert.Equal(t, 1, sink.count(internal.EventGameStarted))
}

// TestRoom_CallNumber 測試叫號
func TestRoom_CallNumber(t *testing.T) {
	t.Run("first call starts the game", func(t *testing.T) {
		room, sink, host := newTestRoom(t)
		sink.reset()

		require.NoError(t, room.CallNumber(host.ID, 12))
		assert.Equal(t, internal.StatusInProgress, room.Status())
		assert.Equal(t, []string{internal.EventGameStarted, internal.EventNumberCalled}, sink.types())
		assert.Equal(t, []int{12}, room.CalledNumbers())

		events := sink.all()
		assert.Equal(t, 12, events[1].Data)
	})

	t.Run("only host may call", func(t *testing.T) {
		room, sink, _ := newTestRoom(t)
		bob, err := room.Join("Bob")
		require.NoError(t, err)
		sink.reset()

		err = room.CallNumber(bob.ID, 12)
		assert.ErrorIs(t, err, apperrors.ErrNotHost)
		assert.Empty(t, room.CalledNumbers())
		assert.Empty(t, sink.all(), "被拒絕的操作不廣播")
	})

	t.Run("duplicate call", func(t *testing.T) {
		room, sink, host := newTestRoom(t)
		require.NoError(t, room.CallNumber(host.ID, 12))
		sink.reset()

		err := room.CallNumber(host.ID, 12)
		assert.ErrorIs(t, err, apperrors.ErrDuplicateCall)
		assert.True(t, apperrors.IsConflict(err))
		assert.Equal(t, []int{12}, room.CalledNumbers())
		assert.Empty(t, sink.all())
	})

	t.Run("out of range", func(t *testing.T) {
		room, _, host := newTestRoom(t)
		for _, n := range []int{0, 76, -3} {
			err := room.CallNumber(host.ID, n)
			assert.True(t, apperrors.IsValidation(err), "number %d", n)
		}
	})

	t.Run("unknown caller", func(t *testing.T) {
		room, _, _ := newTestRoom(t)
		err := room.CallNumber("nobody", 12)
		assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
	})

	t.Run("history keeps call order", func(t *testing.T) {
		room, _, host := newTestRoom(t)
		for _, n := range []int{40, 3, 75, 16} {
			require.NoError(t, room.CallNumber(host.ID, n))
		}
		assert.Equal(t, []int{40, 3, 75, 16}, room.CalledNumbers())
	})
}

// TestRoom_MarkCell 測試標記格子
func TestRoom_MarkCell(t *testing.T) {
	room, sink, host := newTestRoom(t)
	nums := rowNumbers(t, room, host.ID, 0)

	t.Run("uncalled number is rejected", func(t *testing.T) {
		sink.reset()
		_, err := room.MarkCell(host.ID, 0, 0)
		assert.ErrorIs(t, err, apperrors.ErrCellNotCalled)
		assert.Empty(t, sink.all())
	})

	t.Run("called number toggles", func(t *testing.T) {
		require.NoError(t, room.CallNumber(host.ID, nums[0]))
		sink.reset()

		marked, err := room.MarkCell(host.ID, 0, 0)
		require.NoError(t, err)
		assert.True(t, marked)

		marked, err = room.MarkCell(host.ID, 0, 0)
		require.NoError(t, err)
		assert.False(t, marked)

		events := sink.all()
		require.Len(t, events, 2)
		assert.Equal(t, internal.EventPlayerMarked, events[0].Type)
		assert.Equal(t, internal.PlayerMarkedPayload{PlayerID: host.ID, Row: 0, Col: 0, Marked: true}, events[0].Data)
		assert.Equal(t, internal.PlayerMarkedPayload{PlayerID: host.ID, Row: 0, Col: 0, Marked: false}, events[1].Data)
	})

	t.Run("free cell is a no-op", func(t *testing.T) {
		sink.reset()
		marked, err := room.MarkCell(host.ID, 2, 2)
		require.NoError(t, err)
		assert.True(t, marked)
		assert.Empty(t, sink.all())
	})

	t.Run("out of bounds", func(t *testing.T) {
		for _, pos := range [][2]int{{-1, 0}, {0, 5}, {5, 5}} {
			_, err := room.MarkCell(host.ID, pos[0], pos[1])
			assert.ErrorIs(t, err, apperrors.ErrInvalidCell)
			assert.True(t, apperrors.IsValidation(err))
		}
	})

	t.Run("unknown player", func(t *testing.T) {
		_, err := room.MarkCell("nobody", 0, 0)
		assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
	})
}

// TestRoom_ClaimBingo 測試宣告賓果
func TestRoom_ClaimBingo(t *testing.T) {
	room, sink, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)

	nums := rowNumbers(t, room, host.ID, 0)
	callAll(t, room, host.ID, nums...)

	// 4/5 不成立
	markRow(t, room, host.ID, 0, 4)
	_, err = room.ClaimBingo(host.ID)
	assert.ErrorIs(t, err, apperrors.ErrNoWinningPattern)
	assert.Equal(t, internal.StatusInProgress, room.Status())
	assert.Zero(t, sink.count(internal.EventBingoClaimed))

	// 5/5 成立
	marked, err := room.MarkCell(host.ID, 0, 4)
	require.NoError(t, err)
	require.True(t, marked)

	pattern, err := room.ClaimBingo(host.ID)
	require.NoError(t, err)
	assert.Equal(t, "row", pattern.Name)
	assert.Equal(t, internal.StatusWon, room.Status())
	assert.Equal(t, host.ID, room.WinnerID())

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, internal.EventBingoClaimed, last.Type)
	assert.Equal(t, internal.BingoClaimedPayload{WinnerID: host.ID, Name: "Alice", Pattern: "row"}, last.Data)

	// 贏家之後一切變更都是 GAME_OVER
	_, err = room.ClaimBingo(bob.ID)
	assert.ErrorIs(t, err, apperrors.ErrGameOver)
	assert.ErrorIs(t, room.CallNumber(host.ID, 75), apperrors.ErrGameOver)
	_, err = room.MarkCell(bob.ID, 0, 0)
	assert.ErrorIs(t, err, apperrors.ErrGameOver)
	_, err = room.Start(host.ID)
	assert.ErrorIs(t, err, apperrors.ErrGameOver)
	assert.Equal(t, 1, sink.count(internal.EventBingoClaimed))
}

// TestRoom_ClaimWithoutMarks 測試只靠免費格不成立
func TestRoom_ClaimWithoutMarks(t *testing.T) {
	room, _, host := newTestRoom(t)
	callAll(t, room, host.ID, seq(1, 75)...)

	_, err := room.ClaimBingo(host.ID)
	assert.ErrorIs(t, err, apperrors.ErrNoWinningPattern, "已叫號但未標記不算")
}

// TestRoom_CallEveryNumber 測試 75 個號碼全部叫完後任一玩家完成一列即可獲勝
func TestRoom_CallEveryNumber(t *testing.T) {
	room, _, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)

	for n := 1; n <= 75; n++ {
		require.NoError(t, room.CallNumber(host.ID, n))
	}
	assert.Len(t, room.CalledNumbers(), 75)

	// 第 2 列包含中央免費格
	for c := 0; c < internal.BoardSize; c++ {
		marked, err := room.MarkCell(bob.ID, 2, c)
		require.NoError(t, err)
		assert.True(t, marked)
	}

	pattern, err := room.ClaimBingo(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "row", pattern.Name)
	assert.Equal(t, bob.ID, room.WinnerID())
}

// TestRoom_ConcurrentClaims 測試同時宣告只有一位贏家
func TestRoom_ConcurrentClaims(t *testing.T) {
	room, sink, host := newTestRoom(t)

	const numPlayers = 8
	ids := []string{host.ID}
	for i := 1; i < numPlayers; i++ {
		p, err := room.Join("player")
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	callAll(t, room, host.ID, seq(1, 75)...)
	for _, id := range ids {
		markRow(t, room, id, 0, internal.BoardSize)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		gameOver int
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := room.ClaimBingo(id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, id)
				return
			}
			if apperrors.IsGameOver(err) {
				gameOver++
			}
		}(id)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, numPlayers-1, gameOver)
	assert.Equal(t, winners[0], room.WinnerID())
	assert.Equal(t, 1, sink.count(internal.EventBingoClaimed))
}

// TestRoom_ConcurrentCalls 測試同一號碼同時叫只會成功一次
func TestRoom_ConcurrentCalls(t *testing.T) {
	room, sink, host := newTestRoom(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := room.CallNumber(host.ID, 33); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, []int{33}, room.CalledNumbers())
	assert.Equal(t, 1, sink.count(internal.EventNumberCalled))
}

// TestRoom_EventOrder 測試事件序號嚴格遞增
func TestRoom_EventOrder(t *testing.T) {
	room, sink, host := newTestRoom(t)
	_, err := room.Join("Bob")
	require.NoError(t, err)
	callAll(t, room, host.ID, 5, 20, 35)

	events := sink.all()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, "ROOM01", ev.RoomID)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

// TestRoom_Reset 測試重新開局
func TestRoom_Reset(t *testing.T) {
	room, sink, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)

	assert.ErrorIs(t, room.Reset(host.ID), apperrors.ErrGameNotOver)

	callAll(t, room, host.ID, seq(1, 75)...)
	markRow(t, room, bob.ID, 0, internal.BoardSize)
	_, err = room.ClaimBingo(bob.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, room.Reset(bob.ID), apperrors.ErrNotHost)

	oldBoard, _ := room.Player(bob.ID)
	sink.reset()
	require.NoError(t, room.Reset(host.ID))

	assert.Equal(t, internal.StatusLobby, room.Status())
	assert.Empty(t, room.CalledNumbers())
	assert.Empty(t, room.WinnerID())
	assert.Equal(t, host.ID, room.HostID())
	assert.Len(t, room.Players(), 2)

	newBoard, _ := room.Player(bob.ID)
	assert.NotEqual(t, oldBoard.Board, newBoard.Board)
	for r := 0; r < internal.BoardSize; r++ {
		for c := 0; c < internal.BoardSize; c++ {
			assert.Empty(t, newBoard.Board[r][c].MarkedBy)
		}
	}

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, internal.EventGameReset, events[0].Type)
	assert.Empty(t, events[0].To)
	for _, ev := range events[1:] {
		assert.Equal(t, internal.EventBoardDealt, ev.Type)
		assert.NotEmpty(t, ev.To, "新盤面只送給本人")
	}

	// 重新開局後可以再玩
	require.NoError(t, room.CallNumber(host.ID, 1))
}

// TestRoom_Leave 測試離開與房主接任
func TestRoom_Leave(t *testing.T) {
	room, sink, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)
	carol, err := room.Join("Carol")
	require.NoError(t, err)
	sink.reset()

	require.NoError(t, room.Leave(host.ID))
	assert.Equal(t, bob.ID, room.HostID(), "最早加入的剩餘玩家接任")
	assert.Equal(t, []string{internal.EventPlayerLeft, internal.EventHostChanged, internal.EventPlayerList}, sink.types())

	// 新房主可以叫號
	require.NoError(t, room.CallNumber(bob.ID, 1))
	assert.ErrorIs(t, room.CallNumber(carol.ID, 2), apperrors.ErrNotHost)

	// 非房主離開不換房主
	sink.reset()
	require.NoError(t, room.Leave(carol.ID))
	assert.Equal(t, bob.ID, room.HostID())
	assert.Zero(t, sink.count(internal.EventHostChanged))

	assert.ErrorIs(t, room.Leave(carol.ID), apperrors.ErrPlayerNotFound)

	require.NoError(t, room.Leave(bob.ID))
	assert.Empty(t, room.HostID())
	assert.Zero(t, room.GetPlayerCount())
}

// TestRoom_SetConnected 測試連線狀態
func TestRoom_SetConnected(t *testing.T) {
	room, sink, host := newTestRoom(t)
	sink.reset()

	require.NoError(t, room.SetConnected(host.ID, false))
	require.NoError(t, room.SetConnected(host.ID, false))
	assert.Equal(t, 1, sink.count(internal.EventPlayerConnection), "狀態沒變不廣播")
	assert.Zero(t, room.ConnectedCount())

	// 斷線不移除玩家
	p, ok := room.Player(host.ID)
	require.True(t, ok)
	assert.False(t, p.Connected)

	require.NoError(t, room.SetConnected(host.ID, true))
	assert.Equal(t, 1, room.ConnectedCount())

	assert.ErrorIs(t, room.SetConnected("nobody", true), apperrors.ErrPlayerNotFound)
}

// TestRoom_IsExpired 測試過期判斷
func TestRoom_IsExpired(t *testing.T) {
	room, _, host := newTestRoom(t)
	now := time.Now()

	assert.False(t, room.IsExpired(now.Add(time.Hour), time.Minute), "有人連線不過期")

	require.NoError(t, room.SetConnected(host.ID, false))
	assert.False(t, room.IsExpired(time.Now(), time.Minute), "寬限期內不過期")
	assert.True(t, room.IsExpired(time.Now().Add(2*time.Minute), time.Minute))

	room.Close("test")
	assert.True(t, room.IsExpired(time.Now(), time.Hour), "已關閉一律過期")
}

// TestRoom_Close 測試關閉房間
func TestRoom_Close(t *testing.T) {
	room, sink, host := newTestRoom(t)
	sink.reset()

	room.Close("idle")
	room.Close("idle")

	assert.Equal(t, internal.StatusClosed, room.Status())
	require.Equal(t, 1, sink.count(internal.EventRoomClosed))
	assert.Equal(t, internal.RoomClosedPayload{Reason: "idle"}, sink.all()[0].Data)

	assert.ErrorIs(t, room.CallNumber(host.ID, 1), apperrors.ErrRoomNotFound)
	_, err := room.MarkCell(host.ID, 0, 0)
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
	_, err = room.ClaimBingo(host.ID)
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
}

// TestRoom_State 測試快照只包含請求者自己的盤面
func TestRoom_State(t *testing.T) {
	room, _, host := newTestRoom(t)
	bob, err := room.Join("Bob")
	require.NoError(t, err)
	callAll(t, room, host.ID, 7)

	st := room.State(bob.ID)
	assert.Equal(t, "ROOM01", st.RoomID)
	assert.Equal(t, host.ID, st.HostID)
	assert.Equal(t, internal.StatusInProgress, st.Status)
	assert.True(t, st.Started)
	assert.Equal(t, []int{7}, st.CalledNumbers)
	assert.Len(t, st.Players, 2)
	require.NotNil(t, st.Board)

	p, _ := room.Player(bob.ID)
	assert.Equal(t, p.Board, *st.Board)

	public := room.State("")
	assert.Nil(t, public.Board)
	assert.NotNil(t, room.State("nobody").CalledNumbers)
}

// seq 產生 [from, to] 的整數
func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
