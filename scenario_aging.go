package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AgingScenario 老化測試: 重複抓握並記錄電機電流
type AgingScenario struct{}

func (s *AgingScenario) Type() ScenarioType { return ScenarioAging }

func (s *AgingScenario) Title() string {
	return "老化测试报告\n标准：各个手头无异常，手指不脱线，并记录各个电机的电流值 < 单位 mA >"
}

func (s *AgingScenario) Description() string {
	return "重复抓握手势,记录各个电机的电流值"
}

func (s *AgingScenario) NeedsCurrentDisplay() bool { return false }

func (s *AgingScenario) DurationBound() bool { return true }

func (s *AgingScenario) DefaultParams() ScenarioParams {
	return ScenarioParams{
		Enabled:          true,
		SettleInterval:   time.Second,
		PoseTolerance:    PoseTolerance,
		CurrentSamples:   5,
		SampleInterval:   200 * time.Millisecond,
		MaxSampleErrors:  3,
		CurrentThreshold: DefaultCurrentThreshold,
		CurrentLimit:     DefaultAgingCurrentLimit,
		ReadAttempts:     3,
		WriteAttempts:    3,
		RetryBackoff:     500 * time.Millisecond,
	}
}

// Exercise 設定電流上限 → 抓握 → 量測電流 → 回到初始姿勢 → 檢查位置與電流
func (s *AgingScenario) Exercise(ctx context.Context, dev *Device, params ScenarioParams) []GestureResult {
	limit := make([]uint16, FingerChannelCount)
	for i := range limit {
		limit[i] = params.CurrentLimit
	}

	ev := dev.Engine.Evaluate(ctx, GesturePlan{
		CurrentLimit:        limit,
		Gesture:             dev.Gestures.Aging.Grasp,
		MeasureAfterGesture: true,
		Restore:             dev.Gestures.Aging.Initial,
		CurrentThreshold:    params.CurrentThreshold,
	})

	expected := thresholdVector(params.CurrentThreshold)
	var content any = ""
	if ev.Passed || ev.Reason == FailOverCurrent {
		content = ev.Currents
	}

	switch ev.Reason {
	case FailLimit, FailIO, FailCurrentUnreliable:
		dev.MarkUnreliable()
	}

	if ev.Passed {
		dev.Logger.Info("抓握完成", zap.Int("round", dev.Round), zap.Float64s("currents", ev.Currents))
	} else {
		dev.Logger.Warn("老化測試未通過",
			zap.Int("round", dev.Round),
			zap.Stringer("reason", ev.Reason),
			zap.Error(ev.Err),
		)
	}

	return []GestureResult{
		NewGestureResult(s.Description(), expected, content, VerdictOf(ev.Passed), ev.Comment()),
	}
}

// thresholdVector 六通道門檻，作為結果的 expected 欄位
func thresholdVector(threshold float64) []float64 {
	out := make([]float64, FingerChannelCount)
	for i := range out {
		out[i] = threshold
	}
	return out
}
