package internal

// Pattern 一組必須全部標記的格子
type Pattern struct {
	Name  string     `json:"name"`
	Cells []Position `json:"cells"`
}

// Matches 格子是否全部標記
func (p Pattern) Matches(g Grid) bool {
	if len(p.Cells) == 0 {
		return false
	}
	for _, c := range p.Cells {
		if !g[c.Row][c.Col] {
			return false
		}
	}
	return true
}

// StandardPatterns 5 橫、5 直、2 斜
func StandardPatterns() []Pattern {
	out := make([]Pattern, 0, 2*BoardSize+2)
	for r := 0; r < BoardSize; r++ {
		p := Pattern{Name: "row"}
		for c := 0; c < BoardSize; c++ {
			p.Cells = append(p.Cells, Position{Row: r, Col: c})
		}
		out = append(out, p)
	}
	for c := 0; c < BoardSize; c++ {
		p := Pattern{Name: "column"}
		for r := 0; r < BoardSize; r++ {
			p.Cells = append(p.Cells, Position{Row: r, Col: c})
		}
		out = append(out, p)
	}
	diag := Pattern{Name: "diagonal"}
	anti := Pattern{Name: "anti-diagonal"}
	for i := 0; i < BoardSize; i++ {
		diag.Cells = append(diag.Cells, Position{Row: i, Col: i})
		anti.Cells = append(anti.Cells, Position{Row: i, Col: BoardSize - 1 - i})
	}
	return append(out, diag, anti)
}

// namedPatterns 可由配置啟用的自訂連線
var namedPatterns = map[string]Pattern{
	"corners": {
		Name: "corners",
		Cells: []Position{
			{Row: 0, Col: 0}, {Row: 0, Col: BoardSize - 1},
			{Row: BoardSize - 1, Col: 0}, {Row: BoardSize - 1, Col: BoardSize - 1},
		},
	},
	"blackout": blackout(),
}

func blackout() Pattern {
	p := Pattern{Name: "blackout"}
	for r := 0; r < BoardSize; r++ {
		for c := 0; c < BoardSize; c++ {
			p.Cells = append(p.Cells, Position{Row: r, Col: c})
		}
	}
	return p
}

// WinDetector 連線判定
//
// 純函式、無狀態；宣告賓果時一律以房間的權威標記重新計算。
type WinDetector struct {
	patterns []Pattern
}

// NewWinDetector 創建判定器：標準連線加上額外連線
func NewWinDetector(extra ...Pattern) *WinDetector {
	return &WinDetector{patterns: append(StandardPatterns(), extra...)}
}

// NewWinDetectorFromNames 依配置名稱啟用自訂連線
func NewWinDetectorFromNames(names []string) *WinDetector {
	extra := make([]Pattern, 0, len(names))
	for _, name := range names {
		if p, ok := namedPatterns[name]; ok {
			extra = append(extra, p)
		}
	}
	return NewWinDetector(extra...)
}

// IsWinning 任一連線成立即為真
func (d *WinDetector) IsWinning(g Grid) bool {
	_, ok := d.Match(g)
	return ok
}

// Match 返回第一個成立的連線
func (d *WinDetector) Match(g Grid) (Pattern, bool) {
	for _, p := range d.patterns {
		if p.Matches(g) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Patterns 返回所有啟用的連線
func (d *WinDetector) Patterns() []Pattern {
	return d.patterns
}
