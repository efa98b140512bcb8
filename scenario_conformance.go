package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RegisterConformanceScenario 依暫存器表逐一驗證讀寫與邊界值
type RegisterConformanceScenario struct{}

func (s *RegisterConformanceScenario) Type() ScenarioType { return ScenarioRegisterConformance }

func (s *RegisterConformanceScenario) Title() string { return "MODBUS协议测试" }

func (s *RegisterConformanceScenario) Description() string { return "MODBUS协议测试" }

func (s *RegisterConformanceScenario) NeedsCurrentDisplay() bool { return false }

func (s *RegisterConformanceScenario) DurationBound() bool { return false }

func (s *RegisterConformanceScenario) DefaultParams() ScenarioParams {
	return ScenarioParams{
		Enabled:            true,
		SettleInterval:     time.Second,
		PoseTolerance:      PoseTolerance,
		CurrentSamples:     5,
		SampleInterval:     100 * time.Millisecond,
		MaxSampleErrors:    3,
		ReadAttempts:       2,
		WriteAttempts:      2,
		RetryBackoff:       100 * time.Millisecond,
		RebootTimeout:      60 * time.Second,
		RebootPollInterval: 5 * time.Second,
	}
}

// ConformanceSummary 一致性測試統計
type ConformanceSummary struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// Exercise 只有失敗的案例產生結果，最後附一筆總結
func (s *RegisterConformanceScenario) Exercise(ctx context.Context, dev *Device, params ScenarioParams) []GestureResult {
	runner := &conformanceRunner{
		dev:           dev,
		settle:        params.SettleInterval,
		rebootTimeout: params.RebootTimeout,
		rebootPoll:    params.RebootPollInterval,
	}
	cases := ConformanceCases(params.NodeIDChange)

	var results []GestureResult
	summary := ConformanceSummary{}
	for _, c := range cases {
		if ctx.Err() != nil {
			break
		}
		summary.Total++
		err := c.Run(ctx, runner)
		if err == nil {
			continue
		}
		summary.Failed++

		dev.Logger.Warn("一致性案例未通過", zap.String("case", c.Name), zap.Error(err))
		var cf *caseFailure
		if errors.As(err, &cf) {
			results = append(results, NewGestureResult(c.Name, cf.Expected, cf.Actual, VerdictFail, cf.Error()))
		} else {
			results = append(results, NewGestureResult(c.Name, "", "", VerdictFail, err.Error()))
		}
	}

	comment := fmt.Sprintf("共 %d 项，失败 %d 项", summary.Total, summary.Failed)
	if summary.Total < len(cases) {
		comment += fmt.Sprintf("，中止 %d 项", len(cases)-summary.Total)
	}
	pass := summary.Failed == 0 && summary.Total == len(cases)
	results = append(results, NewGestureResult(s.Description(), len(cases), summary, VerdictOf(pass), comment))
	return results
}

// ConformanceCase 單一一致性案例
type ConformanceCase struct {
	Name string
	Run  func(ctx context.Context, r *conformanceRunner) error
}

// caseFailure 案例失敗，帶期望值與實際值
type caseFailure struct {
	Expected any
	Actual   any
	Msg      string
}

func (f *caseFailure) Error() string {
	return fmt.Sprintf("%s (期望 %v，实际 %v)", f.Msg, f.Expected, f.Actual)
}

func failf(expected, actual any, format string, args ...any) error {
	return &caseFailure{Expected: expected, Actual: actual, Msg: fmt.Sprintf(format, args...)}
}

// conformanceRunner 案例共用的讀寫輔助
type conformanceRunner struct {
	dev           *Device
	settle        time.Duration
	rebootTimeout time.Duration
	rebootPoll    time.Duration
	// nodeID 案例執行中可能被改變 (節點 ID 測試)
	nodeID uint8
}

func (r *conformanceRunner) node() uint8 {
	if r.nodeID != 0 {
		return r.nodeID
	}
	return r.dev.NodeID
}

func (r *conformanceRunner) read(ctx context.Context, address uint16) (uint16, error) {
	values, err := r.dev.IO.ReadHoldingRegisters(ctx, r.node(), address, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (r *conformanceRunner) write(ctx context.Context, address uint16, values ...uint16) error {
	if err := r.dev.IO.WriteHoldingRegisters(ctx, r.node(), address, values); err != nil {
		return err
	}
	return r.dev.Sleep(ctx, r.settle)
}

// writeAndVerify 寫入後回讀必須相同
func (r *conformanceRunner) writeAndVerify(ctx context.Context, def RegisterDef, v uint16) error {
	if err := r.write(ctx, def.Address, v); err != nil {
		return failf(v, err.Error(), "写入 %s = %d 失败", def.Name, v)
	}
	if !def.Access.Readable() {
		return nil
	}
	got, err := r.read(ctx, def.Address)
	if err != nil {
		return err
	}
	if got != v {
		return failf(v, got, "%s 回读值不符", def.Name)
	}
	return nil
}

// expectReject 寫入超出範圍的值必須被拒絕，且原值不變
func (r *conformanceRunner) expectReject(ctx context.Context, def RegisterDef, v uint16) error {
	var before uint16
	if def.Access.Readable() {
		var err error
		if before, err = r.read(ctx, def.Address); err != nil {
			return err
		}
	}

	err := r.write(ctx, def.Address, v)
	if err == nil {
		return failf("拒绝写入", "写入成功", "%s 接受了超出范围的值 %d", def.Name, v)
	}
	if !isRejection(err) {
		return err
	}

	if def.Access.Readable() {
		after, err := r.read(ctx, def.Address)
		if err != nil {
			return err
		}
		if after != before {
			return failf(before, after, "%s 拒绝写入后数值被改变", def.Name)
		}
	}
	return nil
}

// isRejection 從站以異常碼拒絕 (非逾時或連線錯誤)
func isRejection(err error) bool {
	var mbErr *ModbusError
	return errors.As(err, &mbErr) && mbErr.Code != 0
}

// ConformanceCases 由暫存器表產生所有案例
func ConformanceCases(includeNodeID bool) []ConformanceCase {
	var cases []ConformanceCase

	for _, def := range RegisterTable() {
		if def.Command {
			continue
		}
		def := def

		if def.Access.Readable() {
			cases = append(cases, ConformanceCase{
				Name: fmt.Sprintf("read %s", def.Name),
				Run: func(ctx context.Context, r *conformanceRunner) error {
					_, err := r.read(ctx, def.Address)
					return err
				},
			})
		}

		if isAngleTarget(def.Address) {
			cases = append(cases, angleCases(def)...)
			continue
		}
		if def.Access.Writable() && def.HasRange {
			cases = append(cases, rangeCases(def)...)
		}
	}

	cases = append(cases, multiRegisterCases()...)
	if includeNodeID {
		cases = append(cases, ConformanceCase{Name: "write NODE_ID", Run: runNodeIDChange})
	}
	return cases
}

func isAngleTarget(address uint16) bool {
	return address >= RegAngleTarget0 && address < RegAngleTarget0+FingerChannelCount
}

// rangeCases min / mid / max 必須接受，min-1 / max+1 必須拒絕；結束後還原原值
func rangeCases(def RegisterDef) []ConformanceCase {
	mid := def.Min + (def.Max-def.Min)/2
	// 0~1 這類開關暫存器 mid 等於 min，去掉重複值
	var accept []uint16
	for _, v := range []uint16{def.Min, mid, def.Max} {
		if len(accept) == 0 || accept[len(accept)-1] != v {
			accept = append(accept, v)
		}
	}

	var cases []ConformanceCase
	for _, v := range accept {
		v := v
		cases = append(cases, ConformanceCase{
			Name: fmt.Sprintf("write %s = %d", def.Name, v),
			Run: func(ctx context.Context, r *conformanceRunner) error {
				return r.withRestore(ctx, def, func() error {
					return r.writeAndVerify(ctx, def, v)
				})
			},
		})
	}

	var reject []uint16
	if def.Min > 0 {
		reject = append(reject, def.Min-1)
	}
	if def.Max < 0xFFFF {
		reject = append(reject, def.Max+1)
	}
	for _, v := range reject {
		v := v
		cases = append(cases, ConformanceCase{
			Name: fmt.Sprintf("write %s = %d (超出范围)", def.Name, v),
			Run: func(ctx context.Context, r *conformanceRunner) error {
				return r.expectReject(ctx, def, v)
			},
		})
	}
	return cases
}

// withRestore 執行前讀取原值 (不可讀時使用預設值)，結束後寫回
func (r *conformanceRunner) withRestore(ctx context.Context, def RegisterDef, fn func() error) error {
	prior := def.Default
	if def.Access.Readable() {
		v, err := r.read(ctx, def.Address)
		if err != nil {
			return err
		}
		prior = v
	}

	err := fn()
	if restoreErr := r.write(ctx, def.Address, prior); restoreErr != nil && err == nil {
		return fmt.Errorf("还原 %s 失败: %w", def.Name, restoreErr)
	}
	return err
}

// 角度探測值: 0 取得極小值，32767 取得極大值，36768 (負數) 應回到極小值
const (
	angleProbeMin      uint16 = 0
	angleProbeMax      uint16 = 32767
	angleProbeNegative uint16 = 36768
)

// angleCases 角度目標為有號數，超出極值時裝置取最近的極值
func angleCases(def RegisterDef) []ConformanceCase {
	type angleCase struct {
		suffix string
		check  func(ctx context.Context, r *conformanceRunner, min, max int16) error
	}
	checks := []angleCase{
		{"min", func(ctx context.Context, r *conformanceRunner, min, _ int16) error {
			return r.angleWithin(ctx, def, min)
		}},
		{"normal", func(ctx context.Context, r *conformanceRunner, min, max int16) error {
			return r.angleWithin(ctx, def, min+(max-min)/2)
		}},
		{"max", func(ctx context.Context, r *conformanceRunner, _, max int16) error {
			return r.angleWithin(ctx, def, max)
		}},
		{"smaller than min", func(ctx context.Context, r *conformanceRunner, min, _ int16) error {
			return r.angleClamped(ctx, def, angleProbeMin, min)
		}},
		{"bigger than max", func(ctx context.Context, r *conformanceRunner, _, max int16) error {
			return r.angleClamped(ctx, def, angleProbeMax, max)
		}},
		{"negative", func(ctx context.Context, r *conformanceRunner, min, _ int16) error {
			return r.angleClamped(ctx, def, angleProbeNegative, min)
		}},
	}

	cases := make([]ConformanceCase, 0, len(checks))
	for _, c := range checks {
		c := c
		cases = append(cases, ConformanceCase{
			Name: fmt.Sprintf("write %s: %s angle", def.Name, c.suffix),
			Run: func(ctx context.Context, r *conformanceRunner) error {
				return r.withRestore(ctx, def, func() error {
					min, max, err := r.angleLimits(ctx, def)
					if err != nil {
						return err
					}
					return c.check(ctx, r, min, max)
				})
			},
		})
	}
	return cases
}

// angleLimits 探測角度極值
func (r *conformanceRunner) angleLimits(ctx context.Context, def RegisterDef) (int16, int16, error) {
	probe := func(v uint16) (int16, error) {
		if err := r.write(ctx, def.Address, v); err != nil {
			return 0, err
		}
		got, err := r.read(ctx, def.Address)
		return int16(got), err
	}
	min, err := probe(angleProbeMin)
	if err != nil {
		return 0, 0, fmt.Errorf("取得 %s 极小值失败: %w", def.Name, err)
	}
	max, err := probe(angleProbeMax)
	if err != nil {
		return 0, 0, fmt.Errorf("取得 %s 极大值失败: %w", def.Name, err)
	}
	return min, max, nil
}

// angleWithin 寫入 v 後回讀誤差不超過 AngleTolerance
func (r *conformanceRunner) angleWithin(ctx context.Context, def RegisterDef, v int16) error {
	if err := r.write(ctx, def.Address, uint16(v)); err != nil {
		return err
	}
	raw, err := r.read(ctx, def.Address)
	if err != nil {
		return err
	}
	got := int16(raw)
	diff := int(got) - int(v)
	if diff < 0 {
		diff = -diff
	}
	if diff > AngleTolerance {
		return failf(v, got, "%s 角度误差超过 %d", def.Name, AngleTolerance)
	}
	return nil
}

// angleClamped 寫入 probe 後回讀必須等於 want
func (r *conformanceRunner) angleClamped(ctx context.Context, def RegisterDef, probe uint16, want int16) error {
	if err := r.write(ctx, def.Address, probe); err != nil {
		return err
	}
	raw, err := r.read(ctx, def.Address)
	if err != nil {
		return err
	}
	if int16(raw) != want {
		return failf(want, int16(raw), "写入 %d 后 %s 应取极值", probe, def.Name)
	}
	return nil
}

// multiRegisterCases 一次讀寫多個暫存器
func multiRegisterCases() []ConformanceCase {
	return []ConformanceCase{
		{
			Name: "read multiple holding registers",
			Run: func(ctx context.Context, r *conformanceRunner) error {
				values, err := r.dev.IO.ReadHoldingRegisters(ctx, r.node(), RegFingerP0, 5)
				if err != nil {
					return err
				}
				if len(values) != 5 {
					return failf(5, len(values), "读取数量不符")
				}
				return nil
			},
		},
		{
			Name: "write multiple holding registers",
			Run: func(ctx context.Context, r *conformanceRunner) error {
				prior, err := r.dev.IO.ReadHoldingRegisters(ctx, r.node(), RegCurrentLimit0, FingerChannelCount)
				if err != nil {
					return err
				}
				values := []uint16{1000, 1000, 1000, 1000, 1000, 1000}

				check := func() error {
					if err := r.write(ctx, RegCurrentLimit0, values...); err != nil {
						return err
					}
					got, err := r.dev.IO.ReadHoldingRegisters(ctx, r.node(), RegCurrentLimit0, FingerChannelCount)
					if err != nil {
						return err
					}
					for i := range values {
						if got[i] != values[i] {
							return failf(values, got, "多个寄存器回读值不符")
						}
					}
					return nil
				}

				err = check()
				if restoreErr := r.write(ctx, RegCurrentLimit0, prior...); restoreErr != nil && err == nil {
					err = fmt.Errorf("还原电流上限失败: %w", restoreErr)
				}
				return err
			},
		},
	}
}

// runNodeIDChange 改成隨機節點 ID，等待重啟後確認，再改回原 ID
func runNodeIDChange(ctx context.Context, r *conformanceRunner) error {
	original := r.node()
	target := original
	for target == original {
		target = uint8(MinNodeID + rand.Intn(MaxNodeID-MinNodeID+1))
	}
	r.dev.Logger.Info("嘗試更改節點 ID", zap.Uint8("target", target))

	if err := r.changeNodeID(ctx, original, target); err != nil {
		return err
	}
	if err := r.changeNodeID(ctx, target, original); err != nil {
		return fmt.Errorf("恢复设备 ID 失败: %w", err)
	}
	return nil
}

func (r *conformanceRunner) changeNodeID(ctx context.Context, from, to uint8) error {
	r.nodeID = from
	if err := r.dev.IO.WriteHoldingRegisters(ctx, from, RegNodeID, []uint16{uint16(to)}); err != nil {
		return failf(to, err.Error(), "更改设备 ID 失败")
	}

	r.nodeID = to
	if err := r.waitReboot(ctx); err != nil {
		return err
	}
	got, err := r.read(ctx, RegNodeID)
	if err != nil {
		return err
	}
	if got != uint16(to) {
		return failf(to, got, "设备 ID 不符")
	}
	return nil
}

// waitReboot 定期以新 ID 讀取 NODE_ID 直到回應或逾時
func (r *conformanceRunner) waitReboot(ctx context.Context) error {
	poll := r.rebootPoll
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(r.rebootTimeout)
	for {
		if _, err := r.read(ctx, RegNodeID); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("等待设备 (ID %d) 重启逾时", r.node())
		}
		if err := r.dev.Sleep(ctx, poll); err != nil {
			return err
		}
	}
}
