package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed gestures.yaml
var builtinGestures []byte

// ErrInvalidStepVector 步驟向量長度不是 6
var ErrInvalidStepVector = errors.New("步驟向量必須剛好 6 個通道")

// StepVector 一個步驟的六通道目標位置
type StepVector []uint16

// Validate 檢查通道數
func (v StepVector) Validate() error {
	if len(v) != FingerChannelCount {
		return fmt.Errorf("%w: 實際 %d 個", ErrInvalidStepVector, len(v))
	}
	return nil
}

// Gesture 具名手勢，依序執行各步驟
type Gesture struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Steps       []StepVector `yaml:"steps"`
}

// Validate 檢查所有步驟
func (g Gesture) Validate() error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("手勢 %q 沒有步驟", g.Name)
	}
	for i, step := range g.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("手勢 %q 第 %d 步: %w", g.Name, i+1, err)
		}
	}
	return nil
}

// AgingGestures 老化測試姿勢
type AgingGestures struct {
	Initial []StepVector `yaml:"initial"`
	Grasp   []StepVector `yaml:"grasp"`
}

// StressGestures 壓力測試手勢
type StressGestures struct {
	Initial  []StepVector `yaml:"initial"`
	Gestures []Gesture    `yaml:"gestures"`
}

// CurrentPose 電機電流測試的參考姿勢
type CurrentPose struct {
	Gesture `yaml:",inline"`
	// Start 此姿勢量到的電流作為各通道起始值
	Start bool `yaml:"start,omitempty"`
	// EndChannels 此姿勢量到的電流作為這些通道的終點值
	EndChannels []int `yaml:"end_channels,omitempty"`
}

// MotorCurrentPoses 電機電流測試的參考姿勢
type MotorCurrentPoses struct {
	Initial []StepVector  `yaml:"initial"`
	Poses   []CurrentPose `yaml:"poses"`
}

// GestureLibrary 所有場景使用的手勢表，載入後不再修改
type GestureLibrary struct {
	Aging        AgingGestures     `yaml:"aging"`
	Stress       StressGestures    `yaml:"stress"`
	MotorCurrent MotorCurrentPoses `yaml:"motor_current"`
}

// DefaultGestureLibrary 內建手勢表
func DefaultGestureLibrary() *GestureLibrary {
	lib, err := ParseGestureLibrary(builtinGestures)
	if err != nil {
		panic(fmt.Sprintf("內建手勢表無效: %v", err))
	}
	return lib
}

// LoadGestureLibrary 從檔案載入手勢表；path 為空時使用內建表
func LoadGestureLibrary(path string) (*GestureLibrary, error) {
	if path == "" {
		return DefaultGestureLibrary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取手勢檔失敗: %w", err)
	}
	return ParseGestureLibrary(data)
}

// ParseGestureLibrary 解析並驗證 YAML 手勢表
func ParseGestureLibrary(data []byte) (*GestureLibrary, error) {
	var lib GestureLibrary
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("解析手勢表失敗: %w", err)
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return &lib, nil
}

// Validate 驗證所有步驟向量
func (l *GestureLibrary) Validate() error {
	if len(l.Aging.Initial) == 0 || len(l.Aging.Grasp) == 0 {
		return fmt.Errorf("老化手勢缺少 initial 或 grasp")
	}
	if err := (Gesture{Name: "aging.initial", Steps: l.Aging.Initial}).Validate(); err != nil {
		return err
	}
	if err := (Gesture{Name: "aging.grasp", Steps: l.Aging.Grasp}).Validate(); err != nil {
		return err
	}
	if err := (Gesture{Name: "stress.initial", Steps: l.Stress.Initial}).Validate(); err != nil {
		return err
	}
	if err := (Gesture{Name: "motor_current.initial", Steps: l.MotorCurrent.Initial}).Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, g := range l.Stress.Gestures {
		if seen[g.Name] {
			return fmt.Errorf("手勢名稱重複: %s", g.Name)
		}
		seen[g.Name] = true
		if err := g.Validate(); err != nil {
			return err
		}
	}
	for _, p := range l.MotorCurrent.Poses {
		if err := p.Validate(); err != nil {
			return err
		}
		for _, ch := range p.EndChannels {
			if ch < 0 || ch >= FingerChannelCount {
				return fmt.Errorf("姿勢 %q 的通道 %d 超出範圍", p.Name, ch)
			}
		}
	}
	return nil
}

// StressGesture 依名稱取得壓力測試手勢
func (l *GestureLibrary) StressGesture(name string) (Gesture, bool) {
	for _, g := range l.Stress.Gestures {
		if g.Name == name {
			return g, true
		}
	}
	return Gesture{}, false
}

// LastStep 最後一步，空時回傳 nil
func LastStep(steps []StepVector) StepVector {
	if len(steps) == 0 {
		return nil
	}
	return steps[len(steps)-1]
}
