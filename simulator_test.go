package main

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readPDU(address, quantity uint16) []byte {
	pdu := make([]byte, 4)
	binary.BigEndian.PutUint16(pdu[0:], address)
	binary.BigEndian.PutUint16(pdu[2:], quantity)
	return pdu
}

func writePDU(address uint16, values ...uint16) []byte {
	data := RegistersToBytes(values)
	pdu := make([]byte, 5, 5+len(data))
	binary.BigEndian.PutUint16(pdu[0:], address)
	binary.BigEndian.PutUint16(pdu[2:], uint16(len(values)))
	pdu[4] = byte(len(data))
	return append(pdu, data...)
}

func TestRequestHandler_Serve(t *testing.T) {
	tests := []struct {
		name      string
		function  uint8
		pdu       []byte
		exception uint8
	}{
		{"read firmware", FuncCodeReadHoldingRegisters, readPDU(RegFWVersion, 2), 0},
		{"read zero registers", FuncCodeReadHoldingRegisters, readPDU(RegFWVersion, 0), ExceptionCodeIllegalDataValue},
		{"read too many", FuncCodeReadHoldingRegisters, readPDU(RegFirst, MaxRegistersPerRead+1), ExceptionCodeIllegalDataValue},
		{"read unmapped", FuncCodeReadHoldingRegisters, readPDU(RegLast+1, 1), ExceptionCodeIllegalDataAddress},
		{"read short pdu", FuncCodeReadHoldingRegisters, []byte{0x03}, ExceptionCodeIllegalDataValue},
		{"write beep switch", FuncCodeWriteMultipleRegisters, writePDU(RegBeepSwitch, 0), 0},
		{"write read-only", FuncCodeWriteMultipleRegisters, writePDU(RegFWVersion, 1), ExceptionCodeIllegalDataAddress},
		{"write out of range", FuncCodeWriteMultipleRegisters, writePDU(RegBeepSwitch, 2), ExceptionCodeDeviceFailure},
		{"write bad byte count", FuncCodeWriteMultipleRegisters, []byte{0x03, 0xF1, 0x00, 0x01, 0x04, 0x00, 0x01}, ExceptionCodeIllegalDataValue},
		{"unsupported function", 0x06, writePDU(RegBeepSwitch, 1), ExceptionCodeIllegalFunction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewHandSimulator("serve")
			resp := sim.Handler().Serve(tt.function, tt.pdu)
			assert.False(t, resp.Dropped)
			assert.Equal(t, tt.exception, resp.Exception)
		})
	}
}

func TestRequestHandler_OutOfRangeSetsSubException(t *testing.T) {
	sim := NewHandSimulator("sub")
	resp := sim.Handler().Serve(FuncCodeWriteMultipleRegisters, writePDU(RegCurrentLimit0, 100, 2000))
	require.Equal(t, uint8(ExceptionCodeDeviceFailure), resp.Exception)

	v, err := sim.Registers().ReadHoldingRegister(RegSubException)
	require.NoError(t, err)
	assert.Equal(t, uint16(SubExceptionInvalidData), v)

	// 整批檢查，前面合法的值也不寫入
	limit, _ := sim.Registers().ReadHoldingRegister(RegCurrentLimit0)
	assert.Equal(t, uint16(1178), limit)
}

func TestRequestHandler_PositionFollowsTarget(t *testing.T) {
	sim := NewHandSimulator("pos", WithSimFaults(FaultProfile{StuckFingers: []int{2}}))
	target := []uint16{100, 200, 300, 400, 500, 600}
	resp := sim.Handler().Serve(FuncCodeWriteMultipleRegisters, writePDU(RegPosTarget0, target...))
	require.Zero(t, resp.Exception)

	targets, _ := sim.Registers().ReadHoldingRegisters(RegPosTarget0, FingerChannelCount)
	assert.Equal(t, target, targets)

	pos, _ := sim.Registers().ReadHoldingRegisters(RegFingerPos0, FingerChannelCount)
	assert.Equal(t, []uint16{100, 200, 0, 400, 500, 600}, pos)

	status, _ := sim.Registers().ReadHoldingRegister(RegFingerStatus0 + 2)
	assert.Equal(t, uint16(FingerStatusStuck), status)
	assert.True(t, FingerStatus(status).Fault())
}

func TestRequestHandler_AngleClamp(t *testing.T) {
	tests := []struct {
		name string
		ch   int
		raw  uint16
		want uint16
	}{
		{"within range", 0, 12000, 12000},
		{"above max", 1, 20000, 17600},
		{"negative below min", 2, uint16(0xFFFF), 9000},
		{"rotation max", 5, 10000, 9000},
		{"rotation zero", 5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewHandSimulator("angle")
			address := RegAngleTarget0 + uint16(tt.ch)
			resp := sim.Handler().Serve(FuncCodeWriteMultipleRegisters, writePDU(address, tt.raw))
			require.Zero(t, resp.Exception)

			got, _ := sim.Registers().ReadHoldingRegister(address)
			assert.Equal(t, tt.want, got)
			angle, _ := sim.Registers().ReadHoldingRegister(RegFingerAngle0 + uint16(tt.ch))
			assert.Equal(t, tt.want, angle)
		})
	}
}

func TestRequestHandler_Currents(t *testing.T) {
	sim := NewHandSimulator("current", WithSimIdleCurrent(42))
	currents, _ := sim.Registers().ReadHoldingRegisters(RegFingerCurrent0, FingerChannelCount)
	assert.Equal(t, []uint16{42, 42, 42, 42, 42, 42}, currents)

	sim.Handler().SetFaults(FaultProfile{OverCurrent: 300})
	currents, _ = sim.Registers().ReadHoldingRegisters(RegFingerCurrent0, FingerChannelCount)
	assert.Equal(t, []uint16{300, 300, 300, 300, 300, 300}, currents)
}

func TestRequestHandler_DropAll(t *testing.T) {
	sim := NewHandSimulator("drop", WithSimFaults(FaultProfile{DropRate: 1}))
	resp := sim.Handler().Serve(FuncCodeReadHoldingRegisters, readPDU(RegFWVersion, 1))
	assert.True(t, resp.Dropped)
	assert.Equal(t, uint64(1), sim.RequestCount())
}

func TestLoopbackConn(t *testing.T) {
	sim := NewHandSimulator("loop", WithSimNodeID(7))
	conn := sim.Dialer()("/dev/ttySIM", SerialConfig{})

	_, err := conn.ReadHoldingRegisters(7, RegFWVersion, 1)
	assert.Error(t, err, "未開啟前不能讀取")

	require.NoError(t, conn.Connect())

	data, err := conn.ReadHoldingRegisters(7, RegFWVersion, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0300, 0x0082}, BytesToRegisters(data))

	_, err = conn.ReadHoldingRegisters(8, RegFWVersion, 1)
	assert.True(t, errors.Is(err, serial.ErrTimeout))

	_, err = conn.WriteMultipleRegisters(7, RegFWVersion, 1, RegistersToBytes([]uint16{1}))
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)

	// 寫入 NODE_ID 立即以新 ID 回應
	_, err = conn.WriteMultipleRegisters(7, RegNodeID, 1, RegistersToBytes([]uint16{9}))
	require.NoError(t, err)
	assert.Equal(t, uint8(9), sim.NodeID())

	sim.SetOffline(true)
	_, err = conn.ReadHoldingRegisters(9, RegNodeID, 1)
	assert.True(t, errors.Is(err, os.ErrClosed))
	assert.True(t, errors.Is(conn.Connect(), os.ErrNotExist))
}

func TestSimulatorFleet(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"a", "b"}, WithSimNodeID(3))
	sim, ok := fleet.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint8(3), sim.NodeID())

	_, ok = fleet.Get("c")
	assert.False(t, ok)

	err := fleet.Dialer()("c", SerialConfig{}).Connect()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestHandSimulator_TCP(t *testing.T) {
	sim := NewHandSimulator("tcp", WithSimIdleCurrent(25))
	addr := freeTCPAddr(t)
	require.NoError(t, sim.StartTCP(addr))
	defer sim.Stop()
	assert.Equal(t, SimulatorStateRunning, sim.State())
	assert.Error(t, sim.StartTCP(addr))

	handler := modbus.NewTCPClientHandler(addr)
	handler.SlaveId = DefaultNodeID
	handler.Timeout = 2 * time.Second
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := modbus.NewClient(handler)

	data, err := client.ReadHoldingRegisters(RegFWVersion, 2)
	require.NoError(t, err)
	assert.Equal(t, "V3.0.130", FormatFirmwareVersion(BytesToRegisters(data)[0], BytesToRegisters(data)[1]))

	_, err = client.WriteMultipleRegisters(RegBeepSwitch, 1, RegistersToBytes([]uint16{0}))
	require.NoError(t, err)
	v, _ := sim.Registers().ReadHoldingRegister(RegBeepSwitch)
	assert.Zero(t, v)

	_, err = client.WriteMultipleRegisters(RegBeepSwitch, 1, RegistersToBytes([]uint16{5}))
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(ExceptionCodeDeviceFailure), mbErr.ExceptionCode)

	_, err = client.ReadCoils(0, 1)
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(ExceptionCodeIllegalFunction), mbErr.ExceptionCode)
}

func TestRunPortRoutine_OverLoopbackWithClient(t *testing.T) {
	sim := NewHandSimulator("client", WithSimIdleCurrent(10))
	c := NewClient("/dev/ttySIM", DefaultConfig().Serial, WithDialer(sim.Dialer()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	values, err := c.ReadHoldingRegisters(context.Background(), DefaultNodeID, RegFingerCurrent0, FingerChannelCount)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 10, 10, 10, 10, 10}, values)
}
