package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
		CORSAllow    []string      `yaml:"cors_allow"`
	} `yaml:"server"`

	Game GameConfig `yaml:"game"`

	Room struct {
		MaxPlayers    int           `yaml:"max_players"`
		EmptyGrace    time.Duration `yaml:"empty_grace"`    // 無人連線多久後回收
		SweepInterval time.Duration `yaml:"sweep_interval"` // 回收掃描間隔
		CodeLength    int           `yaml:"code_length"`
	} `yaml:"room"`

	Session struct {
		TokenSecret    string        `yaml:"token_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		SendBuffer     int           `yaml:"send_buffer"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
		WriteWait      time.Duration `yaml:"write_wait"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"session"`

	RateLimit struct {
		Backend    string `yaml:"backend"` // memory / redis / off
		Capacity   int64  `yaml:"capacity"`
		RefillRate int64  `yaml:"refill_rate"` // 每秒
	} `yaml:"rate_limit"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// GameConfig 盤面與規則配置
//
// 數字範圍與免費格數量是房間配置，不是協定常數。
type GameConfig struct {
	Columns       [BoardSize]ColumnRange `yaml:"columns"`
	FreeCells     FreeCellConfig         `yaml:"free_cells"`
	Patterns      []string               `yaml:"patterns"` // 額外啟用的自訂連線
	AllowLateJoin bool                   `yaml:"allow_late_join"`
}

// ColumnRange 單一欄位的數字範圍（含兩端）
type ColumnRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Size 範圍內的整數個數
func (c ColumnRange) Size() int { return c.Max - c.Min + 1 }

// Contains 是否包含 n
func (c ColumnRange) Contains(n int) bool { return n >= c.Min && n <= c.Max }

// FreeCellConfig 免費格配置，Positions 為空時隨機挑選 Count 格
type FreeCellConfig struct {
	Count     int        `yaml:"count"`
	Positions []Position `yaml:"positions"`
}

// UnmarshalYAML 整段取代預設值
//
// 只寫 count 時不沿用預設的中央位置，改為隨機挑選。
func (f *FreeCellConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain FreeCellConfig
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*f = FreeCellConfig(v)
	return nil
}

// Position 盤面座標
type Position struct {
	Row int `yaml:"row" json:"row"`
	Col int `yaml:"col" json:"col"`
}

// DefaultConfig 返回預設配置
//
// 預設為 75 號經典賓果：B 1-15、I 16-30、N 31-45、G 46-60、O 61-75，
// 中央一格免費。
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.CORSAllow = []string{"*"}

	cfg.Game = DefaultGameConfig()

	cfg.Room.MaxPlayers = 50
	cfg.Room.EmptyGrace = 5 * time.Minute
	cfg.Room.SweepInterval = time.Minute
	cfg.Room.CodeLength = 6

	cfg.Session.TokenSecret = "dev-secret-change"
	cfg.Session.TokenTTL = 12 * time.Hour
	cfg.Session.SendBuffer = 256
	cfg.Session.PingInterval = 54 * time.Second
	cfg.Session.PongWait = 60 * time.Second
	cfg.Session.WriteWait = 10 * time.Second
	cfg.Session.MaxMessageSize = 4096

	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.Capacity = 20
	cfg.RateLimit.RefillRate = 10

	cfg.Redis.Addr = "localhost:6379"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// DefaultGameConfig 返回經典 75 號賓果規則
func DefaultGameConfig() GameConfig {
	return GameConfig{
		Columns: [BoardSize]ColumnRange{
			{Min: 1, Max: 15},
			{Min: 16, Max: 30},
			{Min: 31, Max: 45},
			{Min: 46, Max: 60},
			{Min: 61, Max: 75},
		},
		FreeCells: FreeCellConfig{
			Count:     1,
			Positions: []Position{{Row: 2, Col: 2}},
		},
		AllowLateJoin: true,
	}
}

// LoadConfig 載入配置：預設值 → YAML 檔案 → 環境變數
//
// path 為空時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv 以環境變數覆蓋（部署時常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("BINGO_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BINGO_CORS_ALLOW"); v != "" {
		c.Server.CORSAllow = splitCSV(v)
	}
	if v := os.Getenv("BINGO_TOKEN_SECRET"); v != "" {
		c.Session.TokenSecret = v
	}
	if v := os.Getenv("BINGO_RATE_LIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate 啟動時檢查配置，盤面配置錯誤屬於致命錯誤
func (c *Config) Validate() error {
	if err := c.Game.Validate(); err != nil {
		return err
	}
	if c.Room.MaxPlayers < 1 {
		return fmt.Errorf("room.max_players must be positive")
	}
	if c.Room.CodeLength < 4 {
		return fmt.Errorf("room.code_length must be at least 4")
	}
	if c.Room.SweepInterval <= 0 || c.Room.EmptyGrace < 0 {
		return fmt.Errorf("room sweep settings must be positive")
	}
	if c.Session.TokenSecret == "" {
		return fmt.Errorf("session.token_secret is required")
	}
	if c.Session.SendBuffer < 1 {
		return fmt.Errorf("session.send_buffer must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis", "off":
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend != "off" && (c.RateLimit.Capacity < 1 || c.RateLimit.RefillRate < 1) {
		return fmt.Errorf("rate_limit capacity and refill_rate must be positive")
	}
	return nil
}

// Validate 檢查欄位範圍與免費格
func (g GameConfig) Validate() error {
	for i, col := range g.Columns {
		if col.Size() < BoardSize {
			return fmt.Errorf("column %d range [%d,%d] holds fewer than %d numbers", i, col.Min, col.Max, BoardSize)
		}
		for j := 0; j < i; j++ {
			other := g.Columns[j]
			if col.Min <= other.Max && other.Min <= col.Max {
				return fmt.Errorf("column %d range overlaps column %d", i, j)
			}
		}
	}

	fc := g.FreeCells
	if fc.Count < 0 || fc.Count > BoardSize*BoardSize {
		return fmt.Errorf("free_cells.count %d out of range", fc.Count)
	}
	if len(fc.Positions) > 0 {
		if len(fc.Positions) != fc.Count {
			return fmt.Errorf("free_cells.positions has %d entries, count is %d", len(fc.Positions), fc.Count)
		}
		seen := make(map[Position]bool, len(fc.Positions))
		for _, p := range fc.Positions {
			if !inBounds(p.Row, p.Col) {
				return fmt.Errorf("free cell (%d,%d) out of board", p.Row, p.Col)
			}
			if seen[p] {
				return fmt.Errorf("free cell (%d,%d) listed twice", p.Row, p.Col)
			}
			seen[p] = true
		}
	}

	for _, name := range g.Patterns {
		if _, ok := namedPatterns[name]; !ok {
			return fmt.Errorf("unknown pattern %q", name)
		}
	}
	return nil
}

// splitCSV 切分逗號分隔的清單
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
