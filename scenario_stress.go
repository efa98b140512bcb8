package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// GestureStressScenario 循環執行所有手勢，每個手勢後回到初始姿勢並檢查
type GestureStressScenario struct{}

func (s *GestureStressScenario) Type() ScenarioType { return ScenarioGestureStress }

func (s *GestureStressScenario) Title() string {
	return "循环做28个手势，进行压测\n标准：各个手头无异常，手指不脱线"
}

func (s *GestureStressScenario) Description() string { return "循环做28个手势" }

func (s *GestureStressScenario) NeedsCurrentDisplay() bool { return false }

func (s *GestureStressScenario) DurationBound() bool { return true }

func (s *GestureStressScenario) DefaultParams() ScenarioParams {
	return ScenarioParams{
		Enabled:         true,
		SettleInterval:  time.Second,
		PoseTolerance:   PoseTolerance,
		CurrentSamples:  5,
		SampleInterval:  100 * time.Millisecond,
		MaxSampleErrors: 3,
		ReadAttempts:    3,
		WriteAttempts:   3,
		RetryBackoff:    500 * time.Millisecond,
	}
}

// Exercise 每個手勢產生一筆結果；通訊錯誤時停止本輪剩餘手勢
func (s *GestureStressScenario) Exercise(ctx context.Context, dev *Device, _ ScenarioParams) []GestureResult {
	lib := dev.Gestures
	results := make([]GestureResult, 0, len(lib.Stress.Gestures))

	for _, g := range lib.Stress.Gestures {
		if ctx.Err() != nil {
			break
		}
		dev.Logger.Info("執行手勢", zap.String("gesture", g.Name))

		ev := dev.Engine.Evaluate(ctx, GesturePlan{
			Gesture: g.Steps,
			Restore: lib.Stress.Initial,
		})

		if ev.Reason == FailIO {
			results = append(results, NewGestureResult(g.Name, "", "", VerdictFail,
				fmt.Sprintf("操作手势过程中发生错误：%v", ev.Err)))
			break
		}

		comment := "无"
		if !ev.Passed {
			comment = ev.Comment()
		}
		results = append(results, NewGestureResult(g.Name, "", "", VerdictOf(ev.Passed), comment))
	}

	return results
}
