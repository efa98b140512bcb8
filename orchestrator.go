package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxWorkers 同時測試的串口上限
const MaxWorkers = 64

// OrchestratorState 協調器狀態
type OrchestratorState int32

const (
	OrchestratorIdle OrchestratorState = iota
	OrchestratorRunning
	OrchestratorStopping
)

func (s OrchestratorState) String() string {
	switch s {
	case OrchestratorIdle:
		return "idle"
	case OrchestratorRunning:
		return "running"
	case OrchestratorStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// 協調層的失敗說明
const (
	commentNoPorts          = "没有选择任何端口"
	commentPortIDMismatch   = "端口数量与设备ID数量不一致"
	commentNoDevice         = "无可测试设备"
	commentAlreadyRunning   = "已有测试正在进行"
	commentUnknownScenario  = "未知的测试项目"
	commentPausedToDeadline = "暂停期间已到测试时长，未执行任何测试"
)

// ExcludedPorts 後續輪次不再測試的串口
type ExcludedPorts struct {
	mu    sync.Mutex
	ports map[string]struct{}
}

// NewExcludedPorts 建立空集合
func NewExcludedPorts() *ExcludedPorts {
	return &ExcludedPorts{ports: make(map[string]struct{})}
}

// Add 加入串口
func (e *ExcludedPorts) Add(port string) {
	e.mu.Lock()
	e.ports[port] = struct{}{}
	e.mu.Unlock()
}

// Contains 是否已排除
func (e *ExcludedPorts) Contains(port string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ports[port]
	return ok
}

// List 已排除的串口 (排序)
func (e *ExcludedPorts) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.ports))
	for p := range e.ports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Filter 移除已排除的串口 (連同其節點 ID)
func (e *ExcludedPorts) Filter(targets []PortTarget) []PortTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PortTarget, 0, len(targets))
	for _, t := range targets {
		if _, ok := e.ports[t.Port]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// RunOutcome 一次執行的完整結果
type RunOutcome struct {
	RunID               string        `json:"run_id"`
	Scenario            ScenarioType  `json:"scenario"`
	Title               string        `json:"title"`
	Results             OverallResult `json:"results"`
	NeedsCurrentDisplay bool          `json:"needs_current_display"`
	Rounds              int           `json:"rounds"`
	Stopped             bool          `json:"stopped"`
	Excluded            []string      `json:"excluded,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
}

// Verdict 整體判定
func (o RunOutcome) Verdict() Verdict {
	return o.Results.Verdict()
}

// RunProgress 執行中的進度快照 (供 /metrics 使用)
type RunProgress struct {
	State         string    `json:"state"`
	RunID         string    `json:"run_id,omitempty"`
	Scenario      string    `json:"scenario,omitempty"`
	Round         int       `json:"round"`
	ActivePorts   int       `json:"active_ports"`
	ExcludedPorts []string  `json:"excluded_ports,omitempty"`
	Passed        int       `json:"passed"`
	Failed        int       `json:"failed"`
	Paused        bool      `json:"paused"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// Orchestrator 多串口併發測試協調器，同一時間只允許一次執行
type Orchestrator struct {
	config   *Config
	state    atomic.Int32
	signal   *ControlSignal
	dialer   Dialer
	stats    *TransportStats
	gestures *GestureLibrary
	sleep    SleepFunc
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	progress RunProgress
	fileSeen bool
	lastFile ControlState
}

// OrchestratorOption 協調器選項
type OrchestratorOption func(*Orchestrator)

// WithControlSignal 共用的停止 / 暫停旗標
func WithControlSignal(s *ControlSignal) OrchestratorOption {
	return func(o *Orchestrator) {
		o.signal = s
	}
}

// WithOrchestratorDialer 設定串口連線方式 (模擬器或實體串口)
func WithOrchestratorDialer(d Dialer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dialer = d
	}
}

// WithOrchestratorStats 設定傳輸統計
func WithOrchestratorStats(stats *TransportStats) OrchestratorOption {
	return func(o *Orchestrator) {
		o.stats = stats
	}
}

// WithGestureLibrary 設定手勢表
func WithGestureLibrary(lib *GestureLibrary) OrchestratorOption {
	return func(o *Orchestrator) {
		o.gestures = lib
	}
}

// WithOrchestratorSleep 設定等待函式
func WithOrchestratorSleep(sleep SleepFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithOrchestratorClock 設定時鐘 (計算截止時間)
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithOrchestratorLogger 設定日誌
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator 建立協調器；config 為 nil 時使用預設配置
func NewOrchestrator(config *Config, opts ...OrchestratorOption) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	o := &Orchestrator{
		config: config,
		sleep:  sleepContext,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.signal == nil {
		o.signal = &ControlSignal{}
	}
	if o.stats == nil {
		o.stats = &TransportStats{}
	}
	if o.gestures == nil {
		o.gestures = DefaultGestureLibrary()
	}
	if o.dialer == nil {
		o.dialer = NewRTUDialer(o.logger)
	}
	o.progress.State = OrchestratorIdle.String()
	return o
}

// State 取得狀態
func (o *Orchestrator) State() OrchestratorState {
	return OrchestratorState(o.state.Load())
}

// Signal 取得控制旗標
func (o *Orchestrator) Signal() *ControlSignal {
	return o.signal
}

// Stats 取得傳輸統計
func (o *Orchestrator) Stats() *TransportStats {
	return o.stats
}

// Progress 取得進度快照
func (o *Orchestrator) Progress() RunProgress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.progress
	p.ExcludedPorts = append([]string(nil), o.progress.ExcludedPorts...)
	p.Paused = o.signal.Snapshot().Pause
	return p
}

func (o *Orchestrator) updateProgress(fn func(p *RunProgress)) {
	o.mu.Lock()
	fn(&o.progress)
	o.mu.Unlock()
}

// failOutcome 未進入任何輪次即失敗
func failOutcome(out RunOutcome, description, comment string) RunOutcome {
	out.Results = append(out.Results, PortTestResult{
		Gestures: []GestureResult{FailResult(description, comment)},
	})
	return out
}

// Run 執行場景直到截止、停止或 (非時長型場景) 一輪結束；不回傳錯誤，所有失敗都在結果內
func (o *Orchestrator) Run(ctx context.Context, s Scenario, ports []string, nodeIDs []uint8, hours float64) (out RunOutcome) {
	out = RunOutcome{
		RunID:               uuid.NewString(),
		Scenario:            s.Type(),
		Title:               s.Title(),
		NeedsCurrentDisplay: s.NeedsCurrentDisplay(),
		StartedAt:           o.now(),
	}

	if !o.state.CompareAndSwap(int32(OrchestratorIdle), int32(OrchestratorRunning)) {
		out.FinishedAt = o.now()
		return failOutcome(out, s.Description(), commentAlreadyRunning)
	}
	defer o.state.Store(int32(OrchestratorIdle))

	logger := o.logger.With(zap.String("run_id", out.RunID), zap.String("scenario", s.Type().String()))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("測試協調發生 panic", zap.Any("panic", r))
			out = failOutcome(out, s.Description(), fmt.Sprintf("测试过程异常中止：%v", r))
		}
		out.FinishedAt = o.now()
		o.resetControl()
		o.updateProgress(func(p *RunProgress) {
			p.State = OrchestratorIdle.String()
		})
	}()

	if len(ports) == 0 {
		return failOutcome(out, s.Description(), commentNoPorts)
	}
	if len(ports) != len(nodeIDs) {
		return failOutcome(out, s.Description(), commentPortIDMismatch)
	}

	targets := make([]PortTarget, len(ports))
	for i, p := range ports {
		targets[i] = PortTarget{Port: p, NodeID: nodeIDs[i]}
	}

	params := o.config.ScenarioParams(s)
	env := RoutineEnv{
		Serial:   o.config.Serial,
		Params:   params,
		Dialer:   o.dialer,
		Stats:    o.stats,
		Gestures: o.gestures,
		Sleep:    o.sleep,
		Logger:   logger,
	}

	excluded := NewExcludedPorts()
	deadline := out.StartedAt.Add(time.Duration(hours * float64(time.Hour)))
	pollInterval := o.config.Run.PausePollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	o.updateProgress(func(p *RunProgress) {
		*p = RunProgress{
			State:     OrchestratorRunning.String(),
			RunID:     out.RunID,
			Scenario:  s.Type().String(),
			StartedAt: out.StartedAt,
		}
	})

	logger.Info("開始測試",
		zap.Strings("ports", ports),
		zap.Float64("hours", hours),
		zap.Bool("duration_bound", s.DurationBound()),
	)

	round := 0
	for {
		if ctx.Err() != nil {
			out.Stopped = true
			break
		}

		o.syncControlFile()
		ctl := o.signal.Snapshot()
		if ctl.Stop {
			logger.Info("收到停止指令", zap.Int("rounds", round))
			o.state.Store(int32(OrchestratorStopping))
			out.Stopped = true
			break
		}
		if ctl.Pause {
			if err := o.sleep(ctx, pollInterval); err != nil {
				out.Stopped = true
				break
			}
			if o.config.Run.PauseExtendsDeadline {
				deadline = deadline.Add(pollInterval)
			} else if s.DurationBound() && !o.now().Before(deadline) {
				// 暫停期間截止時間照走，到期即結束
				logger.Info("暫停中已到測試時長", zap.Int("rounds", round))
				if round == 0 {
					out = failOutcome(out, s.Description(), commentPausedToDeadline)
				}
				break
			}
			continue
		}

		active := excluded.Filter(targets)
		if len(active) == 0 {
			logger.Warn("所有串口都已排除")
			out = failOutcome(out, s.Description(), commentNoDevice)
			break
		}

		round++
		o.updateProgress(func(p *RunProgress) {
			p.Round = round
			p.ActivePorts = len(active)
		})

		results := o.runRound(ctx, s, active, round, env)
		roundPassed := true
		for _, r := range results {
			if !r.Passed() {
				roundPassed = false
			}
			if r.Unreliable {
				logger.Warn("串口排除於後續輪次", zap.String("port", r.Port), zap.Uint8("node_id", r.NodeID))
				excluded.Add(r.Port)
			}
		}
		out.Results = append(out.Results, results...)
		out.Rounds = round

		pass, fail := OverallResult(results).Counts()
		excludedList := excluded.List()
		o.updateProgress(func(p *RunProgress) {
			p.Passed += pass
			p.Failed += fail
			p.ExcludedPorts = excludedList
		})
		logger.Info("輪次完成",
			zap.Int("round", round),
			zap.Bool("passed", roundPassed),
			zap.Int("excluded", len(excludedList)),
		)

		if !s.DurationBound() || !o.now().Before(deadline) {
			break
		}
	}

	out.Excluded = excluded.List()
	logger.Info("測試結束",
		zap.Int("rounds", out.Rounds),
		zap.String("verdict", string(out.Verdict())),
		zap.Bool("stopped", out.Stopped),
	)
	return out
}

// runRound 每個串口一個 goroutine，併發數受限；結果依完成順序收集
func (o *Orchestrator) runRound(ctx context.Context, s Scenario, active []PortTarget, round int, env RoutineEnv) []PortTestResult {
	workers := o.config.Run.MaxWorkers
	if workers <= 0 || workers > MaxWorkers {
		workers = MaxWorkers
	}
	if len(active) < workers {
		workers = len(active)
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, workers)
	resultCh := make(chan PortTestResult, len(active))

	for _, target := range active {
		wg.Add(1)
		go func(t PortTarget) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			resultCh <- RunPortRoutine(ctx, s, t, round, env)
		}(target)
	}

	wg.Wait()
	close(resultCh)

	results := make([]PortTestResult, 0, len(active))
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

// syncControlFile 輪次邊界讀一次控制檔，補檔案監看可能漏掉的事件
func (o *Orchestrator) syncControlFile() {
	path := o.config.Control.File
	if path == "" {
		return
	}
	st, ok := readControlFile(path)
	if !ok {
		return
	}
	// 只套用檔案內容的變化，避免覆蓋由 HTTP 設定的暫停
	o.mu.Lock()
	changed := !o.fileSeen || st != o.lastFile
	o.fileSeen, o.lastFile = true, st
	o.mu.Unlock()
	if changed {
		o.signal.Apply(st)
	}
}

// resetControl 測試結束時清除旗標，下一次 Run 重新讀取控制檔
func (o *Orchestrator) resetControl() {
	o.signal.Reset()
	o.mu.Lock()
	o.fileSeen, o.lastFile = false, ControlState{}
	o.mu.Unlock()
}

// RunScenario 依名稱執行場景，回傳標題、整體結果與是否需要顯示電流
func RunScenario(ctx context.Context, name string, ports []string, nodeIDs []uint8, hours float64, opts ...OrchestratorOption) (string, OverallResult, bool) {
	s, err := LookupScenario(name)
	if err != nil {
		return "", OverallResult{{Gestures: []GestureResult{FailResult(name, commentUnknownScenario)}}}, false
	}
	out := NewOrchestrator(nil, opts...).Run(ctx, s, ports, nodeIDs, hours)
	return out.Title, out.Results, out.NeedsCurrentDisplay
}
