package main

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FaultProfile 模擬器故障注入
type FaultProfile struct {
	JitterMin time.Duration `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax time.Duration `json:"jitter_max" mapstructure:"jitter_max"`
	// DropRate 不回應的比例 (0~1)，客戶端看到的是逾時
	DropRate float64 `json:"drop_rate" mapstructure:"drop_rate"`
	// StuckFingers 卡住的通道，位置停在原處並回報堵轉
	StuckFingers []int `json:"stuck_fingers" mapstructure:"stuck_fingers"`
	// OverCurrent > 0 時所有通道電流固定為此值 (mA)
	OverCurrent uint16 `json:"over_current" mapstructure:"over_current"`
}

func (f FaultProfile) stuck(channel int) bool {
	for _, c := range f.StuckFingers {
		if c == channel {
			return true
		}
	}
	return false
}

// 模擬的角度極值 (依通道)
var simAngleRange = [FingerChannelCount][2]int16{
	{9000, 17600},
	{9000, 17600},
	{9000, 17600},
	{9000, 17600},
	{9000, 17600},
	{0, 9000},
}

// SimResponse 模擬器對單一請求的回應
type SimResponse struct {
	Data      []byte
	Exception uint8
	// Dropped 為 true 時不回應
	Dropped bool
}

// RequestHandler 模擬 ROH 韌體的 FC03 / FC16 處理
type RequestHandler struct {
	registers *RegisterMap
	logger    *zap.Logger

	mu          sync.Mutex
	faults      FaultProfile
	idleCurrent uint16
	rng         *rand.Rand

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(registers *RegisterMap, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{
		registers: registers,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFaults 設定故障注入
func (h *RequestHandler) SetFaults(f FaultProfile) {
	h.mu.Lock()
	h.faults = f
	h.mu.Unlock()
	h.refreshCurrents()
}

// SetIdleCurrent 設定正常狀態下各通道電流 (mA)
func (h *RequestHandler) SetIdleCurrent(mA uint16) {
	h.mu.Lock()
	h.idleCurrent = mA
	h.mu.Unlock()
	h.refreshCurrents()
}

func (h *RequestHandler) snapshotFaults() FaultProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.faults
}

// applyJitter 套用延遲抖動
func (h *RequestHandler) applyJitter(f FaultProfile) {
	if f.JitterMax <= 0 || f.JitterMax < f.JitterMin {
		return
	}
	jitter := f.JitterMin
	if span := int64(f.JitterMax - f.JitterMin); span > 0 {
		h.mu.Lock()
		jitter += time.Duration(h.rng.Int63n(span))
		h.mu.Unlock()
	}
	time.Sleep(jitter)
}

// shouldDrop 判斷是否丟棄回應
func (h *RequestHandler) shouldDrop(f FaultProfile) bool {
	if f.DropRate <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64() < f.DropRate
}

// Serve 處理一個請求 PDU (不含功能碼)，回傳回應資料 (不含功能碼)
func (h *RequestHandler) Serve(function uint8, data []byte) SimResponse {
	h.requests.Add(1)
	faults := h.snapshotFaults()
	h.applyJitter(faults)

	if h.shouldDrop(faults) {
		return SimResponse{Dropped: true}
	}

	var resp SimResponse
	switch function {
	case FuncCodeReadHoldingRegisters:
		resp = h.handleRead(data)
	case FuncCodeWriteMultipleRegisters:
		resp = h.handleWrite(data, faults)
	default:
		resp = SimResponse{Exception: ExceptionCodeIllegalFunction}
	}

	if resp.Exception != 0 {
		h.errors.Add(1)
		h.logger.Debug("模擬器回應異常",
			zap.Uint8("function", function),
			zap.Uint8("exception", resp.Exception),
		)
	}
	return resp
}

// handleRead 處理讀取保持暫存器 (FC 03)
func (h *RequestHandler) handleRead(data []byte) SimResponse {
	if len(data) != 4 {
		return SimResponse{Exception: ExceptionCodeIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity == 0 || quantity > MaxRegistersPerRead {
		return SimResponse{Exception: ExceptionCodeIllegalDataValue}
	}

	for a := uint32(address); a < uint32(address)+uint32(quantity); a++ {
		if _, ok := h.registers.GetDefinition(uint16(a)); !ok {
			return SimResponse{Exception: ExceptionCodeIllegalDataAddress}
		}
	}

	values, err := h.registers.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return SimResponse{Exception: ExceptionCodeIllegalDataAddress}
	}

	out := make([]byte, 1, 1+len(values)*2)
	out[0] = byte(len(values) * 2)
	out = append(out, RegistersToBytes(values)...)
	return SimResponse{Data: out}
}

// handleWrite 處理寫入多個暫存器 (FC 16)；先整批檢查再寫入
func (h *RequestHandler) handleWrite(data []byte, faults FaultProfile) SimResponse {
	if len(data) < 5 {
		return SimResponse{Exception: ExceptionCodeIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if quantity == 0 || quantity > MaxRegistersPerWrite || byteCount != int(quantity)*2 || len(data) != 5+byteCount {
		return SimResponse{Exception: ExceptionCodeIllegalDataValue}
	}
	values := BytesToRegisters(data[5:])

	for i, v := range values {
		def, ok := h.registers.GetDefinition(address + uint16(i))
		if !ok || !def.Access.Writable() {
			return SimResponse{Exception: ExceptionCodeIllegalDataAddress}
		}
		if !def.InRange(v) {
			_ = h.registers.WriteHoldingRegister(RegSubException, uint16(SubExceptionInvalidData))
			return SimResponse{Exception: ExceptionCodeDeviceFailure}
		}
	}

	for i, v := range values {
		h.apply(address+uint16(i), v, faults)
	}

	return SimResponse{Data: append([]byte(nil), data[0:4]...)}
}

// apply 寫入單一暫存器並模擬韌體的連動行為
func (h *RequestHandler) apply(address, value uint16, faults FaultProfile) {
	switch {
	case address >= RegPosTarget0 && address < RegPosTarget0+FingerChannelCount:
		ch := int(address - RegPosTarget0)
		_ = h.registers.WriteHoldingRegister(address, value)
		if faults.stuck(ch) {
			_ = h.registers.WriteHoldingRegister(RegFingerStatus0+uint16(ch), uint16(FingerStatusStuck))
			return
		}
		_ = h.registers.WriteHoldingRegister(RegFingerPos0+uint16(ch), value)
		_ = h.registers.WriteHoldingRegister(RegFingerStatus0+uint16(ch), uint16(FingerStatusPosReached))
		h.refreshCurrents()

	case address >= RegAngleTarget0 && address < RegAngleTarget0+FingerChannelCount:
		ch := int(address - RegAngleTarget0)
		angle := clampAngle(ch, value)
		_ = h.registers.WriteHoldingRegister(address, angle)
		if !faults.stuck(ch) {
			_ = h.registers.WriteHoldingRegister(RegFingerAngle0+uint16(ch), angle)
		}

	default:
		_ = h.registers.WriteHoldingRegister(address, value)
	}
}

// clampAngle 角度目標為有號數，超出極值時取最近的極值
func clampAngle(ch int, raw uint16) uint16 {
	lo, hi := simAngleRange[ch][0], simAngleRange[ch][1]
	v := int16(raw)
	switch {
	case v < lo:
		v = lo
	case v > hi:
		v = hi
	}
	return uint16(v)
}

// refreshCurrents 依故障設定更新電流暫存器
func (h *RequestHandler) refreshCurrents() {
	faults := h.snapshotFaults()
	h.mu.Lock()
	current := h.idleCurrent
	h.mu.Unlock()
	if faults.OverCurrent > 0 {
		current = faults.OverCurrent
	}

	_ = h.registers.Update(RegFingerCurrent0, FingerChannelCount, func(values []uint16) {
		for i := range values {
			values[i] = current
		}
	})
}
