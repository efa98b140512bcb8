package main

import "time"

// Modbus 協議常數
const (
	// 本工具只使用 FC03 / FC16
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction    = 0x01
	ExceptionCodeIllegalDataAddress = 0x02
	ExceptionCodeIllegalDataValue   = 0x03
	ExceptionCodeDeviceFailure      = 0x04

	// 暫存器限制
	MaxRegistersPerRead  = 125
	MaxRegistersPerWrite = 123
)

// RTU 串口預設值
const (
	DefaultBaudRate    = 115200
	DefaultDataBits    = 8
	DefaultStopBits    = 1
	DefaultParity      = "N"
	DefaultNodeID      = 2
	DefaultSerialWait  = 500 * time.Millisecond
	MinNodeID          = 2
	MaxNodeID          = 247
	FingerChannelCount = 6
)

// 手勢 / 電流判定常數
const (
	// 位置最大精度損失
	PoseTolerance = 32
	// 角度最大精度損失
	AngleTolerance = 5
	// 動作間隔下限，低於此值大拇指與食指會互撞
	MinSettleInterval = 400 * time.Millisecond
	// 預設電流判定門檻 (mA，含等號)
	DefaultCurrentThreshold = 100
	// 老化測試手指最大電流 (mA)
	DefaultAgingCurrentLimit = 200
)

// SubException ROH_SUB_EXCEPTION 暫存器內的細分錯誤碼
type SubException uint16

const (
	SubExceptionNone SubException = iota
	SubExceptionStatusInit
	SubExceptionStatusCali
	SubExceptionInvalidData
	SubExceptionStuck
	SubExceptionOpFailed
	SubExceptionSaveFailed
)

func (s SubException) String() string {
	switch s {
	case SubExceptionStatusInit:
		return "等待初始化或者正在初始化，不接受此讀寫操作"
	case SubExceptionStatusCali:
		return "等待校正，不接受此讀寫操作"
	case SubExceptionInvalidData:
		return "無效的暫存器值"
	case SubExceptionStuck:
		return "電機堵轉"
	case SubExceptionOpFailed:
		return "操作失敗"
	case SubExceptionSaveFailed:
		return "保存失敗"
	default:
		return "未知原因"
	}
}

// FingerStatus ROH_FINGER_STATUSx 的值
type FingerStatus uint16

const (
	FingerStatusOpening FingerStatus = iota
	FingerStatusClosing
	FingerStatusPosReached
	FingerStatusOverCurrent
	FingerStatusForceReached
	FingerStatusStuck
)

func (s FingerStatus) String() string {
	switch s {
	case FingerStatusOpening:
		return "正在展開"
	case FingerStatusClosing:
		return "正在抓取"
	case FingerStatusPosReached:
		return "位置到位停止"
	case FingerStatusOverCurrent:
		return "電流保護停止"
	case FingerStatusForceReached:
		return "力控到位停止"
	case FingerStatusStuck:
		return "電機堵轉停止"
	default:
		return "未知狀態"
	}
}

// Fault 是否為異常停止狀態
func (s FingerStatus) Fault() bool {
	return s == FingerStatusOverCurrent || s == FingerStatusStuck
}

// FingerNames 六個通道名稱 (依暫存器順序)
var FingerNames = [FingerChannelCount]string{
	"thumb",
	"index",
	"middle",
	"third",
	"little",
	"thumb_root",
}
