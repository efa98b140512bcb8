package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 測試進度與通訊指標
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	orch   *Orchestrator
	server *http.Server
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp time.Time   `json:"timestamp"`
	Uptime    string      `json:"uptime"`
	Run       RunProgress `json:"run"`

	// Modbus 通訊
	TotalRequests  uint64  `json:"total_requests"`
	TotalErrors    uint64  `json:"total_errors"`
	Retries        uint64  `json:"retries"`
	Reconnects     uint64  `json:"reconnects"`
	ErrorRate      float64 `json:"error_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(orch *Orchestrator, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCollector{
		orch:       orch,
		logger:     logger,
		startTime:  time.Now(),
		maxHistory: 60,
	}
}

// Handler 指標與控制端點
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	mux.HandleFunc("/control/", m.handleControl)
	return mux
}

// Start 啟動 HTTP 伺服器與背景收集，ctx 結束時關閉
func (m *MetricsCollector) Start(ctx context.Context, endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go m.collectLoop(ctx)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("關閉指標伺服器失敗", zap.Error(err))
		}
	}()

	return nil
}

func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *MetricsCollector) collect() {
	if m.orch == nil {
		return
	}
	sample := requestSample{
		timestamp: time.Now(),
		requests:  m.orch.Stats().Requests.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHistory = append(m.requestHistory, sample)
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
	}
	if m.orch == nil {
		snapshot.Run.State = OrchestratorIdle.String()
		return snapshot
	}

	stats := m.orch.Stats()
	snapshot.Run = m.orch.Progress()
	snapshot.TotalRequests = stats.Requests.Load()
	snapshot.TotalErrors = stats.Errors.Load()
	snapshot.Retries = stats.Retries.Load()
	snapshot.Reconnects = stats.Reconnects.Load()

	if snapshot.TotalRequests > 0 {
		snapshot.ErrorRate = float64(snapshot.TotalErrors) / float64(snapshot.TotalRequests) * 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	running := 0
	if snapshot.Run.State == OrchestratorRunning.String() {
		running = 1
	}
	paused := 0
	if snapshot.Run.Paused {
		paused = 1
	}

	fmt.Fprintf(w, "# HELP rohtest_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE rohtest_uptime_seconds gauge\n")
	fmt.Fprintf(w, "rohtest_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP rohtest_running Whether a test run is in progress\n")
	fmt.Fprintf(w, "# TYPE rohtest_running gauge\n")
	fmt.Fprintf(w, "rohtest_running{scenario=%q} %d\n\n", snapshot.Run.Scenario, running)

	fmt.Fprintf(w, "# HELP rohtest_paused Whether the run is paused\n")
	fmt.Fprintf(w, "# TYPE rohtest_paused gauge\n")
	fmt.Fprintf(w, "rohtest_paused %d\n\n", paused)

	fmt.Fprintf(w, "# HELP rohtest_rounds_total Completed rounds\n")
	fmt.Fprintf(w, "# TYPE rohtest_rounds_total counter\n")
	fmt.Fprintf(w, "rohtest_rounds_total %d\n\n", snapshot.Run.Round)

	fmt.Fprintf(w, "# HELP rohtest_ports_active Ports tested in the current round\n")
	fmt.Fprintf(w, "# TYPE rohtest_ports_active gauge\n")
	fmt.Fprintf(w, "rohtest_ports_active %d\n\n", snapshot.Run.ActivePorts)

	fmt.Fprintf(w, "# HELP rohtest_ports_excluded Ports excluded from later rounds\n")
	fmt.Fprintf(w, "# TYPE rohtest_ports_excluded gauge\n")
	fmt.Fprintf(w, "rohtest_ports_excluded %d\n\n", len(snapshot.Run.ExcludedPorts))

	fmt.Fprintf(w, "# HELP rohtest_results_total Gesture results by verdict\n")
	fmt.Fprintf(w, "# TYPE rohtest_results_total counter\n")
	fmt.Fprintf(w, "rohtest_results_total{verdict=\"pass\"} %d\n", snapshot.Run.Passed)
	fmt.Fprintf(w, "rohtest_results_total{verdict=\"fail\"} %d\n\n", snapshot.Run.Failed)

	fmt.Fprintf(w, "# HELP rohtest_modbus_requests_total Total Modbus requests\n")
	fmt.Fprintf(w, "# TYPE rohtest_modbus_requests_total counter\n")
	fmt.Fprintf(w, "rohtest_modbus_requests_total %d\n\n", snapshot.TotalRequests)

	fmt.Fprintf(w, "# HELP rohtest_modbus_errors_total Total Modbus errors\n")
	fmt.Fprintf(w, "# TYPE rohtest_modbus_errors_total counter\n")
	fmt.Fprintf(w, "rohtest_modbus_errors_total %d\n\n", snapshot.TotalErrors)

	fmt.Fprintf(w, "# HELP rohtest_modbus_retries_total Total Modbus retries\n")
	fmt.Fprintf(w, "# TYPE rohtest_modbus_retries_total counter\n")
	fmt.Fprintf(w, "rohtest_modbus_retries_total %d\n\n", snapshot.Retries)

	fmt.Fprintf(w, "# HELP rohtest_modbus_reconnects_total Total serial reconnects\n")
	fmt.Fprintf(w, "# TYPE rohtest_modbus_reconnects_total counter\n")
	fmt.Fprintf(w, "rohtest_modbus_reconnects_total %d\n\n", snapshot.Reconnects)

	fmt.Fprintf(w, "# HELP rohtest_modbus_requests_per_second Requests per second\n")
	fmt.Fprintf(w, "# TYPE rohtest_modbus_requests_per_second gauge\n")
	fmt.Fprintf(w, "rohtest_modbus_requests_per_second %f\n", snapshot.RequestsPerSec)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 測試執行中才算就緒
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.orch == nil || m.orch.State() != OrchestratorRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleControl 處理 POST /control/{stop,pause,resume}
func (m *MetricsCollector) handleControl(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
		return
	}
	if m.orch == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "no orchestrator"})
		return
	}

	signal := m.orch.Signal()
	action := r.URL.Path[len("/control/"):]
	switch action {
	case "stop":
		signal.RequestStop()
	case "pause":
		signal.SetPause(true)
	case "resume":
		signal.SetPause(false)
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown action: " + action})
		return
	}

	m.logger.Info("收到控制指令", zap.String("action", action))
	json.NewEncoder(w).Encode(signal.Snapshot())
}
