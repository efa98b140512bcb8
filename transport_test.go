package main

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptConn 依呼叫次數回傳預先安排的結果
type scriptConn struct {
	connectErr error
	readFn     func(call int, nodeID uint8, address, quantity uint16) ([]byte, error)
	writeFn    func(call int, nodeID uint8, address, quantity uint16, value []byte) ([]byte, error)

	connects   int
	closes     int
	readCalls  int
	writeCalls int
}

func (c *scriptConn) Connect() error {
	c.connects++
	return c.connectErr
}

func (c *scriptConn) Close() error {
	c.closes++
	return nil
}

func (c *scriptConn) ReadHoldingRegisters(nodeID uint8, address, quantity uint16) ([]byte, error) {
	c.readCalls++
	if c.readFn == nil {
		return make([]byte, quantity*2), nil
	}
	return c.readFn(c.readCalls, nodeID, address, quantity)
}

func (c *scriptConn) WriteMultipleRegisters(nodeID uint8, address, quantity uint16, value []byte) ([]byte, error) {
	c.writeCalls++
	if c.writeFn == nil {
		return nil, nil
	}
	return c.writeFn(c.writeCalls, nodeID, address, quantity, value)
}

func newScriptClient(t *testing.T, conn *scriptConn, policy RetryPolicy) (*Client, *TransportStats) {
	t.Helper()
	stats := &TransportStats{}
	c := NewClient("/dev/ttyTEST", DefaultConfig().Serial,
		WithDialer(func(string, SerialConfig) Conn { return conn }),
		WithRetryPolicy(policy),
		WithTransportStats(stats),
	)
	require.NoError(t, c.Connect(context.Background()))
	return c, stats
}

func fastPolicy(read, write int) RetryPolicy {
	return RetryPolicy{ReadAttempts: read, WriteAttempts: write, Backoff: time.Millisecond}
}

func TestClient_ReadRetriesAfterTimeout(t *testing.T) {
	conn := &scriptConn{
		readFn: func(call int, _ uint8, _, quantity uint16) ([]byte, error) {
			if call == 1 {
				return nil, serial.ErrTimeout
			}
			return RegistersToBytes([]uint16{7, 8}), nil
		},
	}
	c, stats := newScriptClient(t, conn, fastPolicy(3, 3))

	values, err := c.ReadHoldingRegisters(context.Background(), 2, RegFWVersion, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8}, values)
	assert.Equal(t, 2, conn.readCalls)
	assert.Equal(t, uint64(1), stats.Retries.Load())
	assert.Equal(t, uint64(1), stats.Errors.Load())
}

func TestClient_ReadGivesUpAfterAttempts(t *testing.T) {
	conn := &scriptConn{
		readFn: func(int, uint8, uint16, uint16) ([]byte, error) {
			return nil, serial.ErrTimeout
		},
	}
	c, _ := newScriptClient(t, conn, fastPolicy(2, 3))

	_, err := c.ReadHoldingRegisters(context.Background(), 2, RegFingerCurrent0, 6)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrKindReadTimeout))
	assert.Equal(t, 2, conn.readCalls)
}

func TestClient_ExceptionIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		code byte
		kind ErrorKind
	}{
		{"illegal function", ExceptionCodeIllegalFunction, ErrKindIllegalFunction},
		{"illegal address", ExceptionCodeIllegalDataAddress, ErrKindIllegalDataAddress},
		{"illegal value", ExceptionCodeIllegalDataValue, ErrKindIllegalDataValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &scriptConn{
				writeFn: func(int, uint8, uint16, uint16, []byte) ([]byte, error) {
					return nil, &modbus.ModbusError{FunctionCode: 0x90, ExceptionCode: tt.code}
				},
			}
			c, _ := newScriptClient(t, conn, fastPolicy(3, 3))

			err := c.WriteHoldingRegisters(context.Background(), 2, RegBeepSwitch, []uint16{1})
			require.Error(t, err)

			var mbErr *ModbusError
			require.True(t, errors.As(err, &mbErr))
			assert.Equal(t, tt.kind, mbErr.Kind)
			assert.Equal(t, tt.code, mbErr.Code)
			assert.False(t, mbErr.Retryable())
			assert.Equal(t, 1, conn.writeCalls)
		})
	}
}

func TestClient_DeviceFailureReadsSubException(t *testing.T) {
	conn := &scriptConn{
		writeFn: func(int, uint8, uint16, uint16, []byte) ([]byte, error) {
			return nil, &modbus.ModbusError{FunctionCode: 0x90, ExceptionCode: ExceptionCodeDeviceFailure}
		},
		readFn: func(_ int, _ uint8, address, _ uint16) ([]byte, error) {
			if address == RegSubException {
				return RegistersToBytes([]uint16{uint16(SubExceptionInvalidData)}), nil
			}
			return nil, errors.New("unexpected read")
		},
	}
	c, _ := newScriptClient(t, conn, fastPolicy(3, 3))

	err := c.WriteHoldingRegisters(context.Background(), 2, RegCurrentLimit0, []uint16{2000})
	require.Error(t, err)

	var mbErr *ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, ErrKindDeviceFailure, mbErr.Kind)
	assert.Equal(t, SubExceptionInvalidData, mbErr.SubCode)
	assert.Contains(t, mbErr.Error(), SubExceptionInvalidData.String())
	assert.Equal(t, 1, conn.writeCalls)
}

func TestClient_ConnectionLossReconnects(t *testing.T) {
	conn := &scriptConn{
		readFn: func(call int, _ uint8, _, quantity uint16) ([]byte, error) {
			if call == 1 {
				return nil, &os.PathError{Op: "read", Path: "/dev/ttyTEST", Err: os.ErrClosed}
			}
			return make([]byte, quantity*2), nil
		},
	}
	c, stats := newScriptClient(t, conn, fastPolicy(3, 3))

	_, err := c.ReadHoldingRegisters(context.Background(), 2, RegNodeID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Reconnects.Load())
	assert.Equal(t, 2, conn.connects)
}

func TestClient_ConnectFailure(t *testing.T) {
	conn := &scriptConn{connectErr: &os.PathError{Op: "open", Path: "/dev/ttyNONE", Err: os.ErrNotExist}}
	c := NewClient("/dev/ttyNONE", DefaultConfig().Serial,
		WithDialer(func(string, SerialConfig) Conn { return conn }),
	)

	err := c.Connect(context.Background())
	require.Error(t, err)

	var connErr *ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "/dev/ttyNONE", connErr.Port)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 1, conn.closes)
}

func TestClient_InvalidCounts(t *testing.T) {
	conn := &scriptConn{}
	c, _ := newScriptClient(t, conn, fastPolicy(1, 1))

	_, err := c.ReadHoldingRegisters(context.Background(), 2, RegFirst, 0)
	assert.True(t, IsErrorKind(err, ErrKindIllegalDataValue))

	_, err = c.ReadHoldingRegisters(context.Background(), 2, RegFirst, MaxRegistersPerRead+1)
	assert.True(t, IsErrorKind(err, ErrKindIllegalDataValue))

	err = c.WriteHoldingRegisters(context.Background(), 2, RegFirst, nil)
	assert.True(t, IsErrorKind(err, ErrKindIllegalDataValue))

	assert.Zero(t, conn.readCalls)
	assert.Zero(t, conn.writeCalls)
}

func TestClient_CanceledContextStopsRetrying(t *testing.T) {
	conn := &scriptConn{
		readFn: func(int, uint8, uint16, uint16) ([]byte, error) {
			return nil, serial.ErrTimeout
		},
	}
	c, _ := newScriptClient(t, conn, RetryPolicy{ReadAttempts: 5, WriteAttempts: 5, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.ReadHoldingRegisters(ctx, 2, RegNodeID, 1)
	require.Error(t, err)
	assert.Equal(t, 1, conn.readCalls)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		err  error
		kind ErrorKind
	}{
		{"serial timeout on read", OpRead, serial.ErrTimeout, ErrKindReadTimeout},
		{"serial timeout on write", OpWrite, serial.ErrTimeout, ErrKindWriteTimeout},
		{"crc mismatch", OpRead, errors.New("modbus: response crc 'a1b2' does not match expected 'c3d4'"), ErrKindReadTimeout},
		{"port closed", OpRead, os.ErrClosed, ErrKindConnectionTimeout},
		{"device failure", OpWrite, &modbus.ModbusError{ExceptionCode: ExceptionCodeDeviceFailure}, ErrKindDeviceFailure},
		{"other", OpRead, errors.New("boom"), ErrKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, classifyError(tt.op, tt.err).Kind)
		})
	}
}
