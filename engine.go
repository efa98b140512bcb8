package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrCurrentUnreliable 電流取樣失敗次數過多
var ErrCurrentUnreliable = errors.New("電流取樣失敗次數過多，結果不可信")

// RegisterIO 暫存器讀寫 (Client 實作)
type RegisterIO interface {
	ReadHoldingRegisters(ctx context.Context, nodeID uint8, address, count uint16) ([]uint16, error)
	WriteHoldingRegisters(ctx context.Context, nodeID uint8, address uint16, values []uint16) error
}

// SleepFunc 可被 ctx 中斷的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// EngineConfig 手勢引擎參數
type EngineConfig struct {
	// SettleInterval 每次寫入位置前的等待，不得低於 MinSettleInterval
	SettleInterval time.Duration
	// PoseTolerance 位置比對容許誤差
	PoseTolerance uint16
	// PoseAddress 位置回讀起始位址 (POS_TARGET 或 POS)
	PoseAddress uint16

	CurrentSamples  int
	SampleInterval  time.Duration
	MaxSampleErrors int
}

// DefaultEngineConfig 預設參數
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SettleInterval:  time.Second,
		PoseTolerance:   PoseTolerance,
		PoseAddress:     RegPosTarget0,
		CurrentSamples:  5,
		SampleInterval:  100 * time.Millisecond,
		MaxSampleErrors: 3,
	}
}

// GestureEngine 驅動單一設備執行手勢並檢查狀態
type GestureEngine struct {
	io     RegisterIO
	nodeID uint8
	cfg    EngineConfig
	sleep  SleepFunc
	logger *zap.Logger
}

// EngineOption 引擎配置選項
type EngineOption func(*GestureEngine)

// WithEngineSleep 替換等待函式
func WithEngineSleep(sleep SleepFunc) EngineOption {
	return func(e *GestureEngine) {
		e.sleep = sleep
	}
}

// WithEngineLogger 設定日誌
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *GestureEngine) {
		e.logger = logger
	}
}

// NewGestureEngine 建立手勢引擎
func NewGestureEngine(io RegisterIO, nodeID uint8, cfg EngineConfig, opts ...EngineOption) *GestureEngine {
	if cfg.SettleInterval < MinSettleInterval {
		cfg.SettleInterval = MinSettleInterval
	}
	if cfg.PoseAddress == 0 {
		cfg.PoseAddress = RegPosTarget0
	}
	if cfg.CurrentSamples < 1 {
		cfg.CurrentSamples = 1
	}
	if cfg.MaxSampleErrors < 1 {
		cfg.MaxSampleErrors = 1
	}

	e := &GestureEngine{
		io:     io,
		nodeID: nodeID,
		cfg:    cfg,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteGesture 依序寫入每一步的目標位置；任何步驟無效時不做任何寫入
func (e *GestureEngine) ExecuteGesture(ctx context.Context, steps []StepVector) error {
	for i, step := range steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("第 %d 步: %w", i+1, err)
		}
	}

	for _, step := range steps {
		if err := e.sleep(ctx, e.cfg.SettleInterval); err != nil {
			return err
		}
		if err := e.io.WriteHoldingRegisters(ctx, e.nodeID, RegPosTarget0, step); err != nil {
			return err
		}
	}
	return nil
}

// VerifyPoseReached 回讀六通道位置並比對
func (e *GestureEngine) VerifyPoseReached(ctx context.Context, expected StepVector) (bool, []uint16, error) {
	if err := expected.Validate(); err != nil {
		return false, nil, err
	}
	actual, err := e.io.ReadHoldingRegisters(ctx, e.nodeID, e.cfg.PoseAddress, FingerChannelCount)
	if err != nil {
		return false, nil, err
	}
	ok := PoseWithinTolerance(actual, expected, e.cfg.PoseTolerance)
	if !ok {
		e.logger.Warn("手指位置偏差超出容許值",
			zap.Uint16s("expected", expected),
			zap.Uint16s("actual", actual),
		)
	}
	return ok, actual, nil
}

// PoseWithinTolerance 每個通道誤差都不超過 tol；長度不同視為不符
func PoseWithinTolerance(actual, expected []uint16, tol uint16) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i := range actual {
		diff := int(actual[i]) - int(expected[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > int(tol) {
			return false
		}
	}
	return true
}

// MeasureMotorCurrents 多次讀取電流取平均；失敗的取樣不計入
func (e *GestureEngine) MeasureMotorCurrents(ctx context.Context) ([]float64, error) {
	sums := make([]float64, FingerChannelCount)
	samples, failures := 0, 0

	for samples < e.cfg.CurrentSamples {
		values, err := e.io.ReadHoldingRegisters(ctx, e.nodeID, RegFingerCurrent0, FingerChannelCount)
		if err != nil {
			failures++
			e.logger.Warn("讀取電流失敗", zap.Int("failures", failures), zap.Error(err))
			if failures >= e.cfg.MaxSampleErrors {
				return nil, fmt.Errorf("%w: %v", ErrCurrentUnreliable, err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		for i, v := range values {
			sums[i] += float64(v)
		}
		samples++
		if samples < e.cfg.CurrentSamples {
			if err := e.sleep(ctx, e.cfg.SampleInterval); err != nil {
				return nil, err
			}
		}
	}

	return averageCurrents(sums, samples), nil
}

// averageCurrents 逐通道平均 (不取捨位數)
func averageCurrents(sums []float64, n int) []float64 {
	out := make([]float64, len(sums))
	if n == 0 {
		return out
	}
	for i, s := range sums {
		out[i] = s / float64(n)
	}
	return out
}

// CheckCurrentWithinLimit 所有通道 ≤ threshold
func CheckCurrentWithinLimit(currents []float64, threshold float64) bool {
	for _, c := range currents {
		if c > threshold {
			return false
		}
	}
	return true
}

// SetCurrentLimit 寫入六通道電流上限 (mA)
func (e *GestureEngine) SetCurrentLimit(ctx context.Context, values []uint16) error {
	if err := StepVector(values).Validate(); err != nil {
		return err
	}
	return e.io.WriteHoldingRegisters(ctx, e.nodeID, RegCurrentLimit0, values)
}

// ReadFingerStatus 讀取六通道狀態
func (e *GestureEngine) ReadFingerStatus(ctx context.Context) ([]FingerStatus, error) {
	values, err := e.io.ReadHoldingRegisters(ctx, e.nodeID, RegFingerStatus0, FingerChannelCount)
	if err != nil {
		return nil, err
	}
	out := make([]FingerStatus, len(values))
	for i, v := range values {
		out[i] = FingerStatus(v)
	}
	return out, nil
}

// RunState 單次手勢流程狀態
type RunState int

const (
	RunIdle RunState = iota
	RunSetLimit
	RunActuating
	RunVerifyingPose
	RunMeasuringCurrent
	RunEvaluated
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunSetLimit:
		return "set_limit"
	case RunActuating:
		return "actuating"
	case RunVerifyingPose:
		return "verifying_pose"
	case RunMeasuringCurrent:
		return "measuring_current"
	case RunEvaluated:
		return "evaluated"
	default:
		return "unknown"
	}
}

// FailReason 失敗原因
type FailReason int

const (
	FailNone FailReason = iota
	FailLimit
	FailActuation
	FailPoseMismatch
	FailOverCurrent
	FailCurrentUnreliable
	FailIO
	FailPanic
)

func (r FailReason) String() string {
	switch r {
	case FailNone:
		return "無"
	case FailLimit:
		return "设置手指最大电流失败"
	case FailActuation:
		return "手勢無效"
	case FailPoseMismatch:
		return "手指出现异常"
	case FailOverCurrent:
		return "电流超标"
	case FailCurrentUnreliable:
		return "电流读取不可靠"
	case FailIO:
		return "通訊錯誤"
	case FailPanic:
		return "測試流程異常中止"
	default:
		return "未知"
	}
}

var runTransitions = map[RunState][]RunState{
	RunIdle:             {RunSetLimit, RunActuating},
	RunSetLimit:         {RunActuating},
	RunActuating:        {RunActuating, RunVerifyingPose, RunMeasuringCurrent},
	RunVerifyingPose:    {RunActuating, RunMeasuringCurrent},
	RunMeasuringCurrent: {RunActuating, RunVerifyingPose},
}

// GestureRun 手勢流程狀態機；任何狀態都可直接進入 Evaluated
type GestureRun struct {
	state   RunState
	reason  FailReason
	err     error
	history []RunState
}

// NewGestureRun 從 Idle 開始
func NewGestureRun() *GestureRun {
	return &GestureRun{state: RunIdle, history: []RunState{RunIdle}}
}

// State 目前狀態
func (r *GestureRun) State() RunState { return r.state }

// History 經過的狀態
func (r *GestureRun) History() []RunState {
	return append([]RunState(nil), r.history...)
}

// Advance 轉移到下一個狀態，非法轉移會 panic
func (r *GestureRun) Advance(next RunState) {
	for _, allowed := range runTransitions[r.state] {
		if allowed == next {
			r.state = next
			r.history = append(r.history, next)
			return
		}
	}
	panic(fmt.Sprintf("非法的狀態轉移: %s -> %s", r.state, next))
}

// Pass 評估通過
func (r *GestureRun) Pass() {
	r.finish(FailNone, nil)
}

// Fail 評估失敗
func (r *GestureRun) Fail(reason FailReason, err error) {
	r.finish(reason, err)
}

func (r *GestureRun) finish(reason FailReason, err error) {
	if r.state == RunEvaluated {
		panic("手勢流程已評估完成")
	}
	r.state = RunEvaluated
	r.reason = reason
	r.err = err
	r.history = append(r.history, RunEvaluated)
}

// Passed 是否通過 (僅在 Evaluated 後有意義)
func (r *GestureRun) Passed() bool {
	return r.state == RunEvaluated && r.reason == FailNone
}

// Reason 失敗原因
func (r *GestureRun) Reason() FailReason { return r.reason }

// Err 導致失敗的錯誤
func (r *GestureRun) Err() error { return r.err }

// GesturePlan 一次完整手勢流程
type GesturePlan struct {
	// CurrentLimit 非 nil 時先寫入電流上限
	CurrentLimit []uint16
	Gesture      []StepVector
	// VerifyGesture 手勢完成後比對最後一步
	VerifyGesture bool
	// MeasureAfterGesture 手勢完成後量測電流
	MeasureAfterGesture bool
	// Restore 非空時回到此姿勢，並比對最後一步
	Restore []StepVector
	// CurrentThreshold > 0 時檢查量測結果
	CurrentThreshold float64
}

// Evaluation 流程結果
type Evaluation struct {
	Passed   bool
	Reason   FailReason
	Err      error
	Currents []float64
	Pose     []uint16
	States   []RunState
}

// Comment 報告用說明
func (ev Evaluation) Comment() string {
	switch {
	case ev.Passed:
		return "无"
	case ev.Reason == FailIO && ev.Err != nil:
		return fmt.Sprintf("出现错误：%v", ev.Err)
	case ev.Err != nil:
		return fmt.Sprintf("%s：%v", ev.Reason, ev.Err)
	default:
		return ev.Reason.String()
	}
}

// Evaluate 執行 plan 並回傳評估結果，不回傳錯誤
func (e *GestureEngine) Evaluate(ctx context.Context, plan GesturePlan) Evaluation {
	run := NewGestureRun()
	ev := e.evaluate(ctx, run, plan)
	ev.Passed = run.Passed()
	ev.Reason = run.Reason()
	ev.Err = run.Err()
	ev.States = run.History()
	return ev
}

func (e *GestureEngine) evaluate(ctx context.Context, run *GestureRun, plan GesturePlan) Evaluation {
	var ev Evaluation

	if plan.CurrentLimit != nil {
		run.Advance(RunSetLimit)
		if err := e.SetCurrentLimit(ctx, plan.CurrentLimit); err != nil {
			run.Fail(FailLimit, err)
			return ev
		}
	}

	run.Advance(RunActuating)
	if err := e.ExecuteGesture(ctx, plan.Gesture); err != nil {
		run.Fail(actuationReason(err), err)
		return ev
	}

	if plan.VerifyGesture {
		if !e.verifyStep(ctx, run, &ev, LastStep(plan.Gesture)) {
			return ev
		}
	}

	if plan.MeasureAfterGesture {
		if !e.measureStep(ctx, run, &ev) {
			return ev
		}
	}

	if len(plan.Restore) > 0 {
		run.Advance(RunActuating)
		if err := e.ExecuteGesture(ctx, plan.Restore); err != nil {
			run.Fail(actuationReason(err), err)
			return ev
		}
		if !e.verifyStep(ctx, run, &ev, LastStep(plan.Restore)) {
			return ev
		}
	}

	if plan.CurrentThreshold > 0 && ev.Currents != nil && !CheckCurrentWithinLimit(ev.Currents, plan.CurrentThreshold) {
		run.Fail(FailOverCurrent, nil)
		return ev
	}

	run.Pass()
	return ev
}

func (e *GestureEngine) verifyStep(ctx context.Context, run *GestureRun, ev *Evaluation, expected StepVector) bool {
	run.Advance(RunVerifyingPose)
	ok, actual, err := e.VerifyPoseReached(ctx, expected)
	ev.Pose = actual
	if err != nil {
		run.Fail(FailIO, err)
		return false
	}
	if !ok {
		run.Fail(FailPoseMismatch, e.poseFault(ctx))
		return false
	}
	return true
}

func (e *GestureEngine) measureStep(ctx context.Context, run *GestureRun, ev *Evaluation) bool {
	run.Advance(RunMeasuringCurrent)
	currents, err := e.MeasureMotorCurrents(ctx)
	if err != nil {
		if errors.Is(err, ErrCurrentUnreliable) {
			run.Fail(FailCurrentUnreliable, err)
		} else {
			run.Fail(FailIO, err)
		}
		return false
	}
	ev.Currents = currents
	return true
}

// poseFault 位置不符時讀取手指狀態作為補充說明，讀不到時回傳 nil
func (e *GestureEngine) poseFault(ctx context.Context) error {
	status, err := e.ReadFingerStatus(ctx)
	if err != nil {
		return nil
	}
	for i, s := range status {
		if s.Fault() {
			return fmt.Errorf("%s: %s", FingerNames[i], s)
		}
	}
	return nil
}

func actuationReason(err error) FailReason {
	if errors.Is(err, ErrInvalidStepVector) {
		return FailActuation
	}
	return FailIO
}
