package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MotorCurrentScenario 各手指在始末位置的電機電流
type MotorCurrentScenario struct{}

func (s *MotorCurrentScenario) Type() ScenarioType { return ScenarioMotorCurrent }

func (s *MotorCurrentScenario) Title() string { return "电机电流测试" }

func (s *MotorCurrentScenario) Description() string {
	return "各个手指在始末位置,记录各个电机的电流值"
}

func (s *MotorCurrentScenario) NeedsCurrentDisplay() bool { return true }

func (s *MotorCurrentScenario) DurationBound() bool { return false }

func (s *MotorCurrentScenario) DefaultParams() ScenarioParams {
	return ScenarioParams{
		Enabled:          true,
		SettleInterval:   2 * time.Second,
		PoseTolerance:    PoseTolerance,
		CurrentSamples:   5,
		SampleInterval:   500 * time.Millisecond,
		MaxSampleErrors:  3,
		CurrentThreshold: DefaultCurrentThreshold,
		ReadAttempts:     2,
		WriteAttempts:    3,
		RetryBackoff:     500 * time.Millisecond,
	}
}

// Exercise 每個姿勢先回到初始再做姿勢，量測平均電流；整體只產生一筆結果
func (s *MotorCurrentScenario) Exercise(ctx context.Context, dev *Device, params ScenarioParams) []GestureResult {
	lib := dev.Gestures.MotorCurrent
	start := make([]float64, FingerChannelCount)
	end := make([]float64, FingerChannelCount)
	pass := true
	comment := "无"

	for _, pose := range lib.Poses {
		steps := append(append([]StepVector{}, lib.Initial...), pose.Steps...)
		ev := dev.Engine.Evaluate(ctx, GesturePlan{
			Gesture:             steps,
			MeasureAfterGesture: true,
		})
		if !ev.Passed {
			pass = false
			comment = fmt.Sprintf("获取电机电流或检查电流时出现错误：%s", ev.Comment())
			dev.Logger.Warn("量測電流失敗", zap.String("pose", pose.Name), zap.Error(ev.Err))
			break
		}

		dev.Logger.Info("姿勢電流",
			zap.String("pose", pose.Name),
			zap.Float64s("currents", ev.Currents),
		)
		if pose.Start {
			copy(start, ev.Currents)
		}
		for _, ch := range pose.EndChannels {
			end[ch] = ev.Currents[ch]
		}
		if !CheckCurrentWithinLimit(ev.Currents, params.CurrentThreshold) {
			pass = false
			comment = "电流超标"
		}
	}

	content := make(map[string][2]float64, FingerChannelCount)
	for i, name := range FingerNames {
		content[name] = [2]float64{start[i], end[i]}
	}

	return []GestureResult{
		NewGestureResult(s.Description(), thresholdVector(params.CurrentThreshold), content, VerdictOf(pass), comment),
	}
}
