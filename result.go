package main

import (
	"time"
)

// Verdict 判定結果，沿用報表上的中文字樣
type Verdict string

const (
	VerdictPass Verdict = "通过"
	VerdictFail Verdict = "不通过"
)

// VerdictOf bool 轉判定
func VerdictOf(pass bool) Verdict {
	if pass {
		return VerdictPass
	}
	return VerdictFail
}

// Passed 是否通過
func (v Verdict) Passed() bool {
	return v == VerdictPass
}

// TimestampLayout 結果時間戳格式
const TimestampLayout = "2006-01-02 15:04:05"

// GestureResult 一次手勢 (或一次檢查) 的評估結果，建立後不再修改
type GestureResult struct {
	Timestamp   string  `json:"timestamp"`
	Description string  `json:"description"`
	Expected    any     `json:"expected"`
	Content     any     `json:"content"`
	Verdict     Verdict `json:"result"`
	Comment     string  `json:"comment"`
}

// NewGestureResult 以目前時間建立結果
func NewGestureResult(description string, expected, content any, verdict Verdict, comment string) GestureResult {
	if comment == "" {
		comment = "无"
	}
	return GestureResult{
		Timestamp:   time.Now().Format(TimestampLayout),
		Description: description,
		Expected:    expected,
		Content:     content,
		Verdict:     verdict,
		Comment:     comment,
	}
}

// FailResult 失敗結果
func FailResult(description, comment string) GestureResult {
	return NewGestureResult(description, "", "", VerdictFail, comment)
}

// PortTestResult 單一串口一次測試的結果
type PortTestResult struct {
	Port     string          `json:"port"`
	NodeID   uint8           `json:"node_id"`
	Round    int             `json:"round,omitempty"`
	Gestures []GestureResult `json:"gestures"`
	// Unreliable 連線或通訊持續失敗，後續輪次應排除此串口
	Unreliable bool `json:"unreliable,omitempty"`
}

// Passed 所有手勢都通過 (沒有任何結果視為未通過)
func (r PortTestResult) Passed() bool {
	if len(r.Gestures) == 0 {
		return false
	}
	for _, g := range r.Gestures {
		if !g.Verdict.Passed() {
			return false
		}
	}
	return true
}

// Failures 失敗的結果數
func (r PortTestResult) Failures() int {
	n := 0
	for _, g := range r.Gestures {
		if !g.Verdict.Passed() {
			n++
		}
	}
	return n
}

// OverallResult 整次執行的結果，依完成順序排列
type OverallResult []PortTestResult

// Verdict 任一串口失敗即不通過；空結果不通過
func (o OverallResult) Verdict() Verdict {
	if len(o) == 0 {
		return VerdictFail
	}
	for _, r := range o {
		if !r.Passed() {
			return VerdictFail
		}
	}
	return VerdictPass
}

// ByPort 依串口分組，保留原順序
func (o OverallResult) ByPort() map[string][]PortTestResult {
	out := make(map[string][]PortTestResult)
	for _, r := range o {
		out[r.Port] = append(out[r.Port], r)
	}
	return out
}

// Counts 通過 / 失敗的手勢結果數
func (o OverallResult) Counts() (pass, fail int) {
	for _, r := range o {
		for _, g := range r.Gestures {
			if g.Verdict.Passed() {
				pass++
			} else {
				fail++
			}
		}
	}
	return pass, fail
}
