package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Prometheus 指標
//
// 使用獨立的 Registry，測試可以各自建立互不干擾。
type Metrics struct {
	Registry *prometheus.Registry

	RoomsActive prometheus.Gauge
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec // 客戶端事件，依事件名稱與結果
	Broadcasts  *prometheus.CounterVec // 廣播事件，依事件名稱
	Claims      *prometheus.CounterVec // 賓果宣告結果
	SlowClients prometheus.Counter     // 因佇列滿被斷線的連線
}

// NewMetrics 創建並註冊指標
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bingo",
			Name:      "rooms_active",
			Help:      "Number of rooms currently registered.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bingo",
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bingo",
			Name:      "events_total",
			Help:      "Client events handled, by event and result code.",
		}, []string{"event", "result"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bingo",
			Name:      "broadcasts_total",
			Help:      "Room events published to subscribers.",
		}, []string{"event"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bingo",
			Name:      "claims_total",
			Help:      "Bingo claims, by result.",
		}, []string{"result"}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bingo",
			Name:      "slow_clients_total",
			Help:      "Connections dropped because their send queue was full.",
		}),
	}

	reg.MustRegister(
		m.RoomsActive,
		m.Connections,
		m.Events,
		m.Broadcasts,
		m.Claims,
		m.SlowClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 端點
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
