package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScenarioType 測試場景類型
type ScenarioType int

const (
	ScenarioAging ScenarioType = iota
	ScenarioGestureStress
	ScenarioMotorCurrent
	ScenarioRegisterConformance
)

func (s ScenarioType) String() string {
	switch s {
	case ScenarioAging:
		return "aging"
	case ScenarioGestureStress:
		return "gesture_stress"
	case ScenarioMotorCurrent:
		return "motor_current"
	case ScenarioRegisterConformance:
		return "register_conformance"
	default:
		return "unknown"
	}
}

// MarshalText 以名稱序列化
func (s ScenarioType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 由名稱解析
func (s *ScenarioType) UnmarshalText(text []byte) error {
	t, err := ParseScenarioType(string(text))
	if err != nil {
		return err
	}
	*s = t
	return nil
}

// ParseScenarioType 解析場景名稱
func ParseScenarioType(s string) (ScenarioType, error) {
	switch s {
	case "aging":
		return ScenarioAging, nil
	case "gesture_stress", "stress":
		return ScenarioGestureStress, nil
	case "motor_current", "current":
		return ScenarioMotorCurrent, nil
	case "register_conformance", "conformance", "modbus":
		return ScenarioRegisterConformance, nil
	default:
		return 0, fmt.Errorf("未知的測試場景: %q", s)
	}
}

// Scenario 單一設備上的測試流程
type Scenario interface {
	Type() ScenarioType
	// Title 報告標題
	Title() string
	// Description 合成失敗結果使用的說明
	Description() string
	NeedsCurrentDisplay() bool
	// DurationBound 為 true 時依時長重複多輪
	DurationBound() bool
	DefaultParams() ScenarioParams
	// Exercise 在已連線的設備上執行一輪，不回傳錯誤
	Exercise(ctx context.Context, dev *Device, params ScenarioParams) []GestureResult
}

// 場景註冊表
var (
	scenarios   = make(map[ScenarioType]Scenario)
	scenariosMu sync.RWMutex
)

func init() {
	RegisterScenario(&AgingScenario{})
	RegisterScenario(&GestureStressScenario{})
	RegisterScenario(&MotorCurrentScenario{})
	RegisterScenario(&RegisterConformanceScenario{})
}

// RegisterScenario 註冊場景
func RegisterScenario(s Scenario) {
	scenariosMu.Lock()
	defer scenariosMu.Unlock()
	scenarios[s.Type()] = s
}

// GetScenario 取得場景，未註冊時回傳 nil
func GetScenario(t ScenarioType) Scenario {
	scenariosMu.RLock()
	defer scenariosMu.RUnlock()
	return scenarios[t]
}

// LookupScenario 依名稱取得場景
func LookupScenario(name string) (Scenario, error) {
	t, err := ParseScenarioType(name)
	if err != nil {
		return nil, err
	}
	s := GetScenario(t)
	if s == nil {
		return nil, fmt.Errorf("場景 %s 尚未註冊", t)
	}
	return s, nil
}

// ListScenarioTypes 列出已註冊的場景
func ListScenarioTypes() []ScenarioType {
	scenariosMu.RLock()
	defer scenariosMu.RUnlock()

	types := make([]ScenarioType, 0, len(scenarios))
	for t := range scenarios {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Device 一輪測試中已連線的設備，只由一個 goroutine 使用
type Device struct {
	Port     string
	NodeID   uint8
	Round    int
	IO       RegisterIO
	Engine   *GestureEngine
	Gestures *GestureLibrary
	Logger   *zap.Logger

	sleep      SleepFunc
	unreliable bool
}

// MarkUnreliable 標記此串口不可靠，後續輪次排除
func (d *Device) MarkUnreliable() {
	d.unreliable = true
}

// Sleep 可被 ctx 中斷的等待
func (d *Device) Sleep(ctx context.Context, dur time.Duration) error {
	return d.sleep(ctx, dur)
}

// PortTarget 一個待測串口
type PortTarget struct {
	Port   string
	NodeID uint8
}

// RoutineEnv 單設備流程所需的共用資源
type RoutineEnv struct {
	Serial   SerialConfig
	Params   ScenarioParams
	Dialer   Dialer
	Stats    *TransportStats
	Gestures *GestureLibrary
	Sleep    SleepFunc
	Logger   *zap.Logger
}

// 連線失敗的說明
const commentConnectFailed = "当前端口无法获取到设备或无法连接到设备"

// RunPortRoutine 開啟連線、執行一輪場景並關閉連線；panic 與連線失敗都轉為失敗結果
func RunPortRoutine(ctx context.Context, s Scenario, target PortTarget, round int, env RoutineEnv) (result PortTestResult) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("port", target.Port), zap.Uint8("node_id", target.NodeID))

	sleep := env.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	result = PortTestResult{Port: target.Port, NodeID: target.NodeID, Round: round}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("測試流程發生 panic", zap.Any("panic", r))
			result.Gestures = append(result.Gestures,
				FailResult(s.Description(), fmt.Sprintf("测试过程异常中止：%v", r)))
		}
	}()

	clientOpts := []ClientOption{
		WithRetryPolicy(env.Params.RetryPolicy()),
		WithClientLogger(logger),
	}
	if env.Dialer != nil {
		clientOpts = append(clientOpts, WithDialer(env.Dialer))
	}
	if env.Stats != nil {
		clientOpts = append(clientOpts, WithTransportStats(env.Stats))
	}
	client := NewClient(target.Port, env.Serial, clientOpts...)

	if err := client.Connect(ctx); err != nil {
		logger.Warn("無法連線設備", zap.Error(err))
		result.Gestures = append(result.Gestures, FailResult(s.Description(), commentConnectFailed))
		result.Unreliable = true
		return result
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("關閉串口失敗", zap.Error(err))
		}
	}()

	gestures := env.Gestures
	if gestures == nil {
		gestures = DefaultGestureLibrary()
	}

	dev := &Device{
		Port:     target.Port,
		NodeID:   target.NodeID,
		Round:    round,
		IO:       client,
		Gestures: gestures,
		Logger:   logger,
		sleep:    sleep,
	}
	dev.Engine = NewGestureEngine(client, target.NodeID, env.Params.EngineConfig(),
		WithEngineSleep(sleep),
		WithEngineLogger(logger),
	)

	result.Gestures = append(result.Gestures, s.Exercise(ctx, dev, env.Params)...)
	if len(result.Gestures) == 0 {
		result.Gestures = append(result.Gestures, FailResult(s.Description(), "没有产生任何测试结果"))
	}
	result.Unreliable = dev.unreliable
	return result
}
