package main

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// ROH 暫存器位址
const (
	RegProtocolVersion = 1000
	RegFWVersion       = 1001
	RegFWRevision      = 1002
	RegHWVersion       = 1003
	RegBootVersion     = 1004
	RegNodeID          = 1005
	RegSubException    = 1006
	RegBatteryVoltage  = 1007
	RegSelfTestLevel   = 1008
	RegBeepSwitch      = 1009
	RegBeepPeriod      = 1010
	RegButtonPressCnt  = 1011
	RegRecalibrate     = 1012
	RegStartInit       = 1013
	RegReset           = 1014
	RegPowerOff        = 1015
	RegReserved0       = 1016
	RegCaliEnd0        = 1020
	RegCaliStart0      = 1030
	RegCaliThumbPos0   = 1040
	RegFingerP0        = 1045
	RegFingerI0        = 1055
	RegFingerD0        = 1065
	RegFingerG0        = 1075
	RegFingerStatus0   = 1085
	RegCurrentLimit0   = 1095
	RegFingerCurrent0  = 1105
	RegForceLimit0     = 1115
	RegFingerForce0    = 1120
	RegFingerSpeed0    = 1125
	RegPosTarget0      = 1135
	RegFingerPos0      = 1145
	RegAngleTarget0    = 1155
	RegFingerAngle0    = 1165

	RegFirst = RegProtocolVersion
	RegLast  = RegFingerAngle0 + 9
)

// RegisterAccess 存取權限
type RegisterAccess int

const (
	AccessRead RegisterAccess = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a RegisterAccess) String() string {
	switch a {
	case AccessRead:
		return "R"
	case AccessWrite:
		return "W"
	case AccessReadWrite:
		return "R/W"
	default:
		return "-"
	}
}

// Readable 可讀
func (a RegisterAccess) Readable() bool { return a&AccessRead != 0 }

// Writable 可寫
func (a RegisterAccess) Writable() bool { return a&AccessWrite != 0 }

// RegisterDef ROH 暫存器定義
type RegisterDef struct {
	Name    string
	Address uint16
	Access  RegisterAccess
	// HasRange 為 false 時 Min/Max 無意義
	HasRange bool
	Min      uint16
	Max      uint16
	Default  uint16
	// Command 為寫入即觸發動作的暫存器 (重啟、關機等)，一致性測試不寫入
	Command bool
}

// InRange 檢查值是否在文件規定的範圍內
func (d RegisterDef) InRange(v uint16) bool {
	if !d.HasRange {
		return true
	}
	return v >= d.Min && v <= d.Max
}

var (
	rohRegisters     []RegisterDef
	rohRegisterIndex map[uint16]RegisterDef
)

func init() {
	rohRegisters = buildRegisterTable()
	rohRegisterIndex = make(map[uint16]RegisterDef, len(rohRegisters))
	for _, def := range rohRegisters {
		rohRegisterIndex[def.Address] = def
	}
}

func buildRegisterTable() []RegisterDef {
	defs := []RegisterDef{
		{Name: "PROTOCOL_VERSION", Address: RegProtocolVersion, Access: AccessRead},
		{Name: "FW_VERSION", Address: RegFWVersion, Access: AccessRead},
		{Name: "FW_REVISION", Address: RegFWRevision, Access: AccessRead},
		{Name: "HW_VERSION", Address: RegHWVersion, Access: AccessRead},
		{Name: "BOOT_VERSION", Address: RegBootVersion, Access: AccessRead},
		{Name: "NODE_ID", Address: RegNodeID, Access: AccessReadWrite, HasRange: true, Min: MinNodeID, Max: MaxNodeID, Default: DefaultNodeID, Command: true},
		{Name: "SUB_EXCEPTION", Address: RegSubException, Access: AccessRead},
		{Name: "BATTERY_VOLTAGE", Address: RegBatteryVoltage, Access: AccessRead},
		{Name: "SELF_TEST_LEVEL", Address: RegSelfTestLevel, Access: AccessReadWrite, HasRange: true, Min: 0, Max: 2, Default: 1},
		{Name: "BEEP_SWITCH", Address: RegBeepSwitch, Access: AccessReadWrite, HasRange: true, Min: 0, Max: 1, Default: 1},
		{Name: "BEEP_PERIOD", Address: RegBeepPeriod, Access: AccessWrite, HasRange: true, Min: 1, Max: 65535, Default: 500},
		{Name: "BUTTON_PRESS_CNT", Address: RegButtonPressCnt, Access: AccessReadWrite, Command: true},
		{Name: "RECALIBRATE", Address: RegRecalibrate, Access: AccessWrite, Command: true},
		{Name: "START_INIT", Address: RegStartInit, Access: AccessWrite, Command: true},
		{Name: "RESET", Address: RegReset, Access: AccessWrite, Command: true},
		{Name: "POWER_OFF", Address: RegPowerOff, Access: AccessWrite, Command: true},
	}

	for i := uint16(0); i < 4; i++ {
		defs = append(defs, RegisterDef{Name: fmt.Sprintf("RESERVED%d", i), Address: RegReserved0 + i, Access: AccessReadWrite, Command: true})
	}
	// 出廠校正值，用戶無需設定
	for i := uint16(0); i < 10; i++ {
		defs = append(defs,
			RegisterDef{Name: fmt.Sprintf("CALI_END%d", i), Address: RegCaliEnd0 + i, Access: AccessReadWrite, Command: true},
			RegisterDef{Name: fmt.Sprintf("CALI_START%d", i), Address: RegCaliStart0 + i, Access: AccessReadWrite, Command: true},
		)
	}
	for i := uint16(0); i < 5; i++ {
		defs = append(defs, RegisterDef{Name: fmt.Sprintf("CALI_THUMB_POS%d", i), Address: RegCaliThumbPos0 + i, Access: AccessReadWrite, Command: true})
	}

	for i := uint16(0); i < 10; i++ {
		// 6~9 為保留通道
		used := i < FingerChannelCount
		defs = append(defs,
			fingerDef("FINGER_P", RegFingerP0, i, used, 100, 50000, 25000),
			fingerDef("FINGER_I", RegFingerI0, i, used, 0, 10000, 500),
			fingerDef("FINGER_D", RegFingerD0, i, used, 0, 50000, 25000),
			fingerDef("FINGER_G", RegFingerG0, i, used, 1, 100, 100),
			RegisterDef{Name: fmt.Sprintf("FINGER_STATUS%d", i), Address: RegFingerStatus0 + i, Access: AccessRead},
			fingerDef("FINGER_CURRENT_LIMIT", RegCurrentLimit0, i, used, 0, 1178, 1178),
			RegisterDef{Name: fmt.Sprintf("FINGER_CURRENT%d", i), Address: RegFingerCurrent0 + i, Access: AccessRead},
			fingerDef("FINGER_SPEED", RegFingerSpeed0, i, used, 0, 65535, 65535),
			fingerDef("FINGER_POS_TARGET", RegPosTarget0, i, used, 0, 65535, 0),
			RegisterDef{Name: fmt.Sprintf("FINGER_POS%d", i), Address: RegFingerPos0 + i, Access: AccessRead},
			RegisterDef{Name: fmt.Sprintf("FINGER_ANGLE_TARGET%d", i), Address: RegAngleTarget0 + i, Access: AccessReadWrite, Default: angleDefault(i)},
			RegisterDef{Name: fmt.Sprintf("FINGER_ANGLE%d", i), Address: RegFingerAngle0 + i, Access: AccessRead},
		)
	}
	// 力量僅五指
	for i := uint16(0); i < 5; i++ {
		defs = append(defs,
			RegisterDef{Name: fmt.Sprintf("FINGER_FORCE_LIMIT%d", i), Address: RegForceLimit0 + i, Access: AccessReadWrite, HasRange: true, Min: 0, Max: 15000, Default: 15000},
			RegisterDef{Name: fmt.Sprintf("FINGER_FORCE%d", i), Address: RegFingerForce0 + i, Access: AccessRead},
		)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Address < defs[j].Address })
	return defs
}

func fingerDef(prefix string, base, i uint16, used bool, min, max, def uint16) RegisterDef {
	d := RegisterDef{
		Name:    fmt.Sprintf("%s%d", prefix, i),
		Address: base + i,
		Access:  AccessReadWrite,
	}
	if used {
		d.HasRange = true
		d.Min, d.Max, d.Default = min, max, def
	} else {
		d.Command = true
	}
	return d
}

func angleDefault(i uint16) uint16 {
	switch {
	case i < 5:
		return 32367
	default:
		return 0
	}
}

// RegisterTable 回傳完整暫存器表 (依位址排序，呼叫端不得修改)
func RegisterTable() []RegisterDef {
	return rohRegisters
}

// LookupRegister 依位址查詢定義
func LookupRegister(address uint16) (RegisterDef, bool) {
	def, ok := rohRegisterIndex[address]
	return def, ok
}

// LookupRegisterByName 依名稱查詢定義
func LookupRegisterByName(name string) (RegisterDef, bool) {
	for _, def := range rohRegisters {
		if def.Name == name {
			return def, true
		}
	}
	return RegisterDef{}, false
}

// RegisterMap 線程安全的暫存器存儲 (模擬器使用)
type RegisterMap struct {
	mu sync.RWMutex

	base             uint16
	holdingRegisters []uint16
	definitions      map[uint16]RegisterDef
}

// NewRegisterMap 建立覆蓋 [base, base+size) 的暫存器存儲
func NewRegisterMap(base uint16, size int) *RegisterMap {
	return &RegisterMap{
		base:             base,
		holdingRegisters: make([]uint16, size),
		definitions:      make(map[uint16]RegisterDef),
	}
}

// DefaultRegisterMap 依 ROH 暫存器表建立並填入預設值
func DefaultRegisterMap() *RegisterMap {
	rm := NewRegisterMap(RegFirst, RegLast-RegFirst+1)
	for _, def := range RegisterTable() {
		rm.definitions[def.Address] = def
		rm.holdingRegisters[def.Address-rm.base] = def.Default
	}
	return rm
}

// GetDefinition 取得暫存器定義
func (rm *RegisterMap) GetDefinition(address uint16) (RegisterDef, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	def, ok := rm.definitions[address]
	return def, ok
}

func (rm *RegisterMap) span(address uint16, quantity int) (int, int, error) {
	start := int(address) - int(rm.base)
	end := start + quantity
	if start < 0 || quantity <= 0 || end > len(rm.holdingRegisters) {
		return 0, 0, fmt.Errorf("暫存器位址超出範圍: %d-%d", address, int(address)+quantity-1)
	}
	return start, end, nil
}

// ReadHoldingRegister 讀取單一暫存器
func (rm *RegisterMap) ReadHoldingRegister(address uint16) (uint16, error) {
	values, err := rm.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// ReadHoldingRegisters 讀取多個暫存器
func (rm *RegisterMap) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	start, end, err := rm.span(address, int(quantity))
	if err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, rm.holdingRegisters[start:end])
	return result, nil
}

// WriteHoldingRegister 寫入單一暫存器
func (rm *RegisterMap) WriteHoldingRegister(address, value uint16) error {
	return rm.WriteHoldingRegisters(address, []uint16{value})
}

// WriteHoldingRegisters 寫入多個暫存器
func (rm *RegisterMap) WriteHoldingRegisters(address uint16, values []uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	start, end, err := rm.span(address, len(values))
	if err != nil {
		return err
	}
	copy(rm.holdingRegisters[start:end], values)
	return nil
}

// Update 在同一把鎖內讀改寫 [address, address+quantity)
func (rm *RegisterMap) Update(address, quantity uint16, fn func(values []uint16)) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	start, end, err := rm.span(address, int(quantity))
	if err != nil {
		return err
	}
	fn(rm.holdingRegisters[start:end])
	return nil
}

// RegistersToBytes 將暫存器轉換為位元組 (Big-Endian)
func RegistersToBytes(registers []uint16) []byte {
	result := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(result[i*2:], reg)
	}
	return result
}

// BytesToRegisters 將位元組轉換為暫存器 (Big-Endian)，奇數尾位元組捨棄
func BytesToRegisters(data []byte) []uint16 {
	result := make([]uint16, len(data)/2)
	for i := range result {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}
