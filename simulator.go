package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SimulatorState 模擬器狀態
type SimulatorState int32

const (
	SimulatorStateStopped SimulatorState = iota
	SimulatorStateStarting
	SimulatorStateRunning
	SimulatorStateStopping
)

func (s SimulatorState) String() string {
	switch s {
	case SimulatorStateStopped:
		return "stopped"
	case SimulatorStateStarting:
		return "starting"
	case SimulatorStateRunning:
		return "running"
	case SimulatorStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// 模擬韌體版本 V3.0.0 / V0.130 / 1B01 / V1.7.0
var simFirmware = map[uint16]uint16{
	RegProtocolVersion: 0x0100,
	RegFWVersion:       0x0300,
	RegFWRevision:      0x0082,
	RegHWVersion:       0x1B01,
	RegBootVersion:     0x0107,
	RegBatteryVoltage:  12000,
}

// HandSimulator 單一 ROH 靈巧手模擬器
type HandSimulator struct {
	ID string

	state   atomic.Int32
	offline atomic.Bool

	registers *RegisterMap
	handler   *RequestHandler
	server    *mbserver.Server

	// dropDelay 丟棄回應時的延遲，需大於客戶端逾時
	dropDelay time.Duration
	startTime time.Time

	logger *zap.Logger
}

// SimulatorOption 模擬器配置選項
type SimulatorOption func(*HandSimulator)

// WithSimNodeID 設定節點 ID
func WithSimNodeID(id uint8) SimulatorOption {
	return func(s *HandSimulator) {
		_ = s.registers.WriteHoldingRegister(RegNodeID, uint16(id))
	}
}

// WithSimLogger 設定日誌
func WithSimLogger(logger *zap.Logger) SimulatorOption {
	return func(s *HandSimulator) {
		s.logger = logger
	}
}

// WithSimFaults 設定故障注入
func WithSimFaults(f FaultProfile) SimulatorOption {
	return func(s *HandSimulator) {
		s.handler.SetFaults(f)
	}
}

// WithSimIdleCurrent 設定正常電流 (mA)
func WithSimIdleCurrent(mA uint16) SimulatorOption {
	return func(s *HandSimulator) {
		s.handler.SetIdleCurrent(mA)
	}
}

// WithSimDropDelay 設定丟棄回應延遲
func WithSimDropDelay(d time.Duration) SimulatorOption {
	return func(s *HandSimulator) {
		s.dropDelay = d
	}
}

// NewHandSimulator 建立模擬器
func NewHandSimulator(id string, opts ...SimulatorOption) *HandSimulator {
	registers := DefaultRegisterMap()
	for addr, v := range simFirmware {
		_ = registers.WriteHoldingRegister(addr, v)
	}
	for ch := 0; ch < FingerChannelCount; ch++ {
		angle := clampAngle(ch, registerDefault(RegAngleTarget0+uint16(ch)))
		_ = registers.WriteHoldingRegister(RegAngleTarget0+uint16(ch), angle)
		_ = registers.WriteHoldingRegister(RegFingerAngle0+uint16(ch), angle)
		_ = registers.WriteHoldingRegister(RegFingerStatus0+uint16(ch), uint16(FingerStatusPosReached))
	}

	s := &HandSimulator{
		ID:        id,
		registers: registers,
		dropDelay: 2 * DefaultSerialWait,
		logger:    zap.NewNop(),
	}
	s.handler = NewRequestHandler(registers, nil)

	for _, opt := range opts {
		opt(s)
	}
	s.handler.logger = s.logger

	return s
}

func registerDefault(address uint16) uint16 {
	def, _ := LookupRegister(address)
	return def.Default
}

// NodeID 目前節點 ID (寫入 NODE_ID 後立即生效)
func (s *HandSimulator) NodeID() uint8 {
	v, err := s.registers.ReadHoldingRegister(RegNodeID)
	if err != nil {
		return DefaultNodeID
	}
	return uint8(v)
}

// Registers 取得暫存器存儲
func (s *HandSimulator) Registers() *RegisterMap {
	return s.registers
}

// Handler 取得請求處理器
func (s *HandSimulator) Handler() *RequestHandler {
	return s.handler
}

// SetOffline 模擬拔線
func (s *HandSimulator) SetOffline(offline bool) {
	s.offline.Store(offline)
}

// State 取得當前狀態
func (s *HandSimulator) State() SimulatorState {
	return SimulatorState(s.state.Load())
}

// RequestCount 已處理請求數
func (s *HandSimulator) RequestCount() uint64 {
	return s.handler.requests.Load()
}

func (s *HandSimulator) newServer() *mbserver.Server {
	server := mbserver.NewServer()
	server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, s.serveFrame)
	server.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, s.serveFrame)
	// ROH 只支援 FC03 / FC16
	for _, fc := range []uint8{0x01, 0x02, 0x04, 0x05, 0x06, 0x0F} {
		server.RegisterFunctionHandler(fc, rejectFunction)
	}
	return server
}

// StartRTU 在串口上以 RTU 提供服務
func (s *HandSimulator) StartRTU(port string, cfg SerialConfig) error {
	if !s.state.CompareAndSwap(int32(SimulatorStateStopped), int32(SimulatorStateStarting)) {
		return fmt.Errorf("模擬器 %s 已經在運行中", s.ID)
	}

	s.server = s.newServer()
	err := s.server.ListenRTU(&serial.Config{
		Address:  port,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		s.state.Store(int32(SimulatorStateStopped))
		return fmt.Errorf("開啟模擬串口 %s 失敗: %w", port, err)
	}

	s.markRunning(zap.String("port", port))
	return nil
}

// StartTCP 以 Modbus TCP 提供服務 (本機冒煙測試用)
func (s *HandSimulator) StartTCP(addr string) error {
	if !s.state.CompareAndSwap(int32(SimulatorStateStopped), int32(SimulatorStateStarting)) {
		return fmt.Errorf("模擬器 %s 已經在運行中", s.ID)
	}

	s.server = s.newServer()
	if err := s.server.ListenTCP(addr); err != nil {
		s.state.Store(int32(SimulatorStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}

	s.markRunning(zap.String("addr", addr))
	return nil
}

func (s *HandSimulator) markRunning(where zap.Field) {
	s.startTime = time.Now()
	s.state.Store(int32(SimulatorStateRunning))
	s.logger.Info("模擬器已啟動",
		zap.String("id", s.ID),
		where,
		zap.Uint8("node_id", s.NodeID()),
	)
}

// Stop 停止模擬器
func (s *HandSimulator) Stop() {
	if !s.state.CompareAndSwap(int32(SimulatorStateRunning), int32(SimulatorStateStopping)) {
		return
	}

	if s.server != nil {
		s.server.Close()
	}

	s.state.Store(int32(SimulatorStateStopped))
	s.logger.Info("模擬器已停止",
		zap.String("id", s.ID),
		zap.Duration("uptime", time.Since(s.startTime)),
		zap.Uint64("requests", s.RequestCount()),
	)
}

// serveFrame mbserver 功能碼處理
func (s *HandSimulator) serveFrame(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	resp := s.handler.Serve(frame.GetFunction(), frame.GetData())
	if resp.Dropped {
		// mbserver 一定會回應，延遲到客戶端逾時之後
		time.Sleep(s.dropDelay)
	}
	if resp.Exception != 0 {
		exc := mbserver.Exception(resp.Exception)
		return []byte{}, &exc
	}
	// mbserver 以指標比對 &Success 判斷是否成功
	return resp.Data, &mbserver.Success
}

func rejectFunction(_ *mbserver.Server, _ mbserver.Framer) ([]byte, *mbserver.Exception) {
	return []byte{}, &mbserver.IllegalFunction
}

// Dialer 回傳連到本模擬器的行程內連線工廠 (不經過串口)
func (s *HandSimulator) Dialer() Dialer {
	return func(port string, _ SerialConfig) Conn {
		return &loopbackConn{sim: s, port: port}
	}
}

// loopbackConn 行程內連線，語意與 RTU 客戶端一致
type loopbackConn struct {
	sim  *HandSimulator
	port string
	open bool
}

func (c *loopbackConn) Connect() error {
	if c.sim.offline.Load() {
		return &os.PathError{Op: "open", Path: c.port, Err: os.ErrNotExist}
	}
	c.open = true
	return nil
}

func (c *loopbackConn) Close() error {
	c.open = false
	return nil
}

func (c *loopbackConn) exchange(nodeID uint8, function uint8, pdu []byte) ([]byte, error) {
	if !c.open || c.sim.offline.Load() {
		return nil, &os.PathError{Op: "write", Path: c.port, Err: os.ErrClosed}
	}
	// 位址不符的從站不會回應
	if nodeID != c.sim.NodeID() {
		return nil, serial.ErrTimeout
	}

	resp := c.sim.handler.Serve(function, pdu)
	if resp.Dropped {
		return nil, serial.ErrTimeout
	}
	if resp.Exception != 0 {
		return nil, &modbus.ModbusError{FunctionCode: function | 0x80, ExceptionCode: resp.Exception}
	}
	return resp.Data, nil
}

func (c *loopbackConn) ReadHoldingRegisters(nodeID uint8, address, quantity uint16) ([]byte, error) {
	pdu := make([]byte, 4)
	binary.BigEndian.PutUint16(pdu[0:], address)
	binary.BigEndian.PutUint16(pdu[2:], quantity)

	data, err := c.exchange(nodeID, FuncCodeReadHoldingRegisters, pdu)
	if err != nil {
		return nil, err
	}
	return data[1:], nil
}

func (c *loopbackConn) WriteMultipleRegisters(nodeID uint8, address, quantity uint16, value []byte) ([]byte, error) {
	pdu := make([]byte, 5, 5+len(value))
	binary.BigEndian.PutUint16(pdu[0:], address)
	binary.BigEndian.PutUint16(pdu[2:], quantity)
	pdu[4] = byte(len(value))
	pdu = append(pdu, value...)

	data, err := c.exchange(nodeID, FuncCodeWriteMultipleRegisters, pdu)
	if err != nil {
		return nil, err
	}
	return data[2:], nil
}

// SimulatorFleet 多個模擬器，依串口名稱分派
type SimulatorFleet struct {
	sims map[string]*HandSimulator
}

// NewSimulatorFleet 為每個串口建立一個模擬器
func NewSimulatorFleet(ports []string, opts ...SimulatorOption) *SimulatorFleet {
	f := &SimulatorFleet{sims: make(map[string]*HandSimulator, len(ports))}
	for _, p := range ports {
		f.sims[p] = NewHandSimulator(p, opts...)
	}
	return f
}

// Get 取得指定串口的模擬器
func (f *SimulatorFleet) Get(port string) (*HandSimulator, bool) {
	s, ok := f.sims[port]
	return s, ok
}

// Dialer 依串口名稱連到對應模擬器，未知串口視為無法開啟
func (f *SimulatorFleet) Dialer() Dialer {
	return func(port string, cfg SerialConfig) Conn {
		if s, ok := f.sims[port]; ok {
			return s.Dialer()(port, cfg)
		}
		return missingPortConn{port: port}
	}
}

type missingPortConn struct{ port string }

func (c missingPortConn) Connect() error {
	return &os.PathError{Op: "open", Path: c.port, Err: os.ErrNotExist}
}
func (c missingPortConn) Close() error { return nil }
func (c missingPortConn) ReadHoldingRegisters(uint8, uint16, uint16) ([]byte, error) {
	return nil, c.Connect()
}
func (c missingPortConn) WriteMultipleRegisters(uint8, uint16, uint16, []byte) ([]byte, error) {
	return nil, c.Connect()
}
