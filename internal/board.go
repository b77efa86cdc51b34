package internal

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// BoardSize 盤面邊長
const BoardSize = 5

// Cell 盤面上的一格
//
// Number 產生後不變；MarkedBy 只能透過 Room.MarkCell 修改。
// 免費格 Free 為 true，視為已標記，不需要被叫號。
type Cell struct {
	Number   int    `json:"number"`
	MarkedBy string `json:"markedBy,omitempty"`
	Free     bool   `json:"free,omitempty"`
}

// Board 5×5 盤面，索引為 [row][col]
type Board [BoardSize][BoardSize]Cell

// Grid 標記格（供連線判定使用）
type Grid [BoardSize][BoardSize]bool

// Numbers 返回盤面上的全部數字（逐列）
func (b *Board) Numbers() []int {
	out := make([]int, 0, BoardSize*BoardSize)
	for r := range b {
		for c := range b[r] {
			out = append(out, b[r][c].Number)
		}
	}
	return out
}

// Find 找到數字所在位置
func (b *Board) Find(n int) (Position, bool) {
	for r := range b {
		for c := range b[r] {
			if b[r][c].Number == n {
				return Position{Row: r, Col: c}, true
			}
		}
	}
	return Position{}, false
}

// Grid 依權威狀態重新計算標記格
//
// 一格算已標記：免費格，或由 owner 標記且數字確實已被叫到。
// 客戶端回報的狀態不參與計算。
func (b *Board) Grid(owner string, called map[int]bool) Grid {
	var g Grid
	for r := range b {
		for c := range b[r] {
			cell := b[r][c]
			g[r][c] = cell.Free || (cell.MarkedBy == owner && owner != "" && called[cell.Number])
		}
	}
	return g
}

// BoardGenerator 盤面產生器
//
// 每欄從該欄範圍不重複抽 5 個數字，再挑出免費格。
// 隨機源以互斥鎖保護，可由多個房間共用。
type BoardGenerator struct {
	columns [BoardSize]ColumnRange
	free    FreeCellConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBoardGenerator 創建盤面產生器，rng 為 nil 時使用隨機種子
//
// 配置錯誤（範圍不足 5 個數字等）在這裡回報，屬於啟動期錯誤。
func NewBoardGenerator(cfg GameConfig, rng *rand.Rand) (*BoardGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("board config: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &BoardGenerator{
		columns: cfg.Columns,
		free:    cfg.FreeCells,
		rng:     rng,
	}, nil
}

// Columns 返回欄位範圍
func (g *BoardGenerator) Columns() [BoardSize]ColumnRange {
	return g.columns
}

// Callable 數字是否屬於任一欄位範圍
func (g *BoardGenerator) Callable(n int) bool {
	for _, col := range g.columns {
		if col.Contains(n) {
			return true
		}
	}
	return false
}

// Generate 產生一張新盤面
func (g *BoardGenerator) Generate() Board {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b Board
	for c, col := range g.columns {
		for r, n := range g.draw(col) {
			b[r][c] = Cell{Number: n}
		}
	}

	for _, p := range g.freePositions() {
		b[p.Row][p.Col].Free = true
	}
	return b
}

// draw 從範圍內不重複抽 BoardSize 個數字（部分 Fisher-Yates）
func (g *BoardGenerator) draw(col ColumnRange) []int {
	pool := make([]int, col.Size())
	for i := range pool {
		pool[i] = col.Min + i
	}
	for i := 0; i < BoardSize; i++ {
		j := i + g.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:BoardSize]
}

// freePositions 固定位置優先，否則隨機挑選不重複的格子
func (g *BoardGenerator) freePositions() []Position {
	if len(g.free.Positions) > 0 {
		return g.free.Positions
	}
	if g.free.Count == 0 {
		return nil
	}
	idx := g.rng.Perm(BoardSize * BoardSize)[:g.free.Count]
	out := make([]Position, 0, len(idx))
	for _, i := range idx {
		out = append(out, Position{Row: i / BoardSize, Col: i % BoardSize})
	}
	return out
}

// inBounds 座標是否在盤面內
func inBounds(row, col int) bool {
	return row >= 0 && row < BoardSize && col >= 0 && col < BoardSize
}
