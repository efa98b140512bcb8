package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"go.uber.org/zap"
)

// ErrorKind Modbus 錯誤分類
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindIllegalFunction
	ErrKindIllegalDataAddress
	ErrKindIllegalDataValue
	ErrKindDeviceFailure
	ErrKindConnectionTimeout
	ErrKindReadTimeout
	ErrKindWriteTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIllegalFunction:
		return "無效的功能碼"
	case ErrKindIllegalDataAddress:
		return "無效的資料位址"
	case ErrKindIllegalDataValue:
		return "無效的資料（協議層）"
	case ErrKindDeviceFailure:
		return "設備故障"
	case ErrKindConnectionTimeout:
		return "連線逾時"
	case ErrKindReadTimeout:
		return "讀取逾時"
	case ErrKindWriteTimeout:
		return "寫入逾時"
	default:
		return "未知錯誤"
	}
}

// Operation 暫存器操作類型
type Operation int

const (
	OpRead Operation = iota
	OpWrite
)

func (o Operation) String() string {
	if o == OpWrite {
		return "寫入"
	}
	return "讀取"
}

func (o Operation) timeoutKind() ErrorKind {
	if o == OpWrite {
		return ErrKindWriteTimeout
	}
	return ErrKindReadTimeout
}

// ModbusError 暫存器操作失敗
type ModbusError struct {
	Kind    ErrorKind
	Op      Operation
	NodeID  uint8
	Address uint16
	// Code 從站回傳的異常碼，非協議錯誤時為 0
	Code uint8
	// SubCode 設備故障時由 ROH_SUB_EXCEPTION 讀出
	SubCode SubException
	Err     error
}

func (e *ModbusError) Error() string {
	reason := e.Kind.String()
	if e.Kind == ErrKindDeviceFailure && e.SubCode != SubExceptionNone {
		reason = "設備故障，具體原因為" + e.SubCode.String()
	}
	msg := fmt.Sprintf("%s暫存器 %d (node %d) 失敗: %s", e.Op, e.Address, e.NodeID, reason)
	if e.Code == 0 && e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModbusError) Unwrap() error {
	return e.Err
}

// Retryable 逾時類錯誤才重試
func (e *ModbusError) Retryable() bool {
	switch e.Kind {
	case ErrKindConnectionTimeout, ErrKindReadTimeout, ErrKindWriteTimeout:
		return true
	default:
		return false
	}
}

// IsErrorKind 判斷 err 是否為指定分類的 ModbusError
func IsErrorKind(err error, kind ErrorKind) bool {
	var mbErr *ModbusError
	return errors.As(err, &mbErr) && mbErr.Kind == kind
}

// ConnectError 開啟串口失敗
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("開啟串口 %s 失敗: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func kindFromException(code byte) ErrorKind {
	switch code {
	case ExceptionCodeIllegalFunction:
		return ErrKindIllegalFunction
	case ExceptionCodeIllegalDataAddress:
		return ErrKindIllegalDataAddress
	case ExceptionCodeIllegalDataValue:
		return ErrKindIllegalDataValue
	case ExceptionCodeDeviceFailure:
		return ErrKindDeviceFailure
	default:
		return ErrKindUnknown
	}
}

// classifyError 依從站異常碼或串口狀態分類
func classifyError(op Operation, err error) *ModbusError {
	e := &ModbusError{Op: op, Err: err}

	var exc *modbus.ModbusError
	var pathErr *os.PathError
	var connErr *ConnectError
	switch {
	case errors.As(err, &exc):
		e.Code = exc.ExceptionCode
		e.Kind = kindFromException(exc.ExceptionCode)
	case errors.Is(err, serial.ErrTimeout),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		isFrameError(err):
		e.Kind = op.timeoutKind()
	case errors.As(err, &connErr),
		errors.As(err, &pathErr),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, io.EOF):
		e.Kind = ErrKindConnectionTimeout
	default:
		e.Kind = ErrKindUnknown
	}
	return e
}

// goburrow 以純字串回報 CRC / 長度 / 從站位址不符，視為線路雜訊
func isFrameError(err error) bool {
	return strings.HasPrefix(err.Error(), "modbus: response")
}

// Conn 單一串口上的 Modbus 連線
type Conn interface {
	Connect() error
	Close() error
	ReadHoldingRegisters(nodeID uint8, address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(nodeID uint8, address, quantity uint16, value []byte) ([]byte, error)
}

// Dialer 建立連線 (尚未開啟)
type Dialer func(port string, cfg SerialConfig) Conn

type rtuConn struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewRTUDialer 建立 RTU 連線工廠；trace 開啟時原始封包以 debug 輸出
func NewRTUDialer(logger *zap.Logger) Dialer {
	return func(port string, cfg SerialConfig) Conn {
		handler := modbus.NewRTUClientHandler(port)
		handler.BaudRate = cfg.BaudRate
		handler.DataBits = cfg.DataBits
		handler.StopBits = cfg.StopBits
		handler.Parity = cfg.Parity
		handler.Timeout = cfg.Timeout
		if cfg.IdleTimeout > 0 {
			handler.IdleTimeout = cfg.IdleTimeout
		}
		handler.RS485.Enabled = cfg.RS485
		if cfg.Trace && logger != nil {
			if stdLog, err := zap.NewStdLogAt(logger.With(zap.String("port", port)), zap.DebugLevel); err == nil {
				handler.Logger = stdLog
			}
		}
		return &rtuConn{handler: handler, client: modbus.NewClient(handler)}
	}
}

func (c *rtuConn) Connect() error { return c.handler.Connect() }

func (c *rtuConn) Close() error { return c.handler.Close() }

// 同一連線只由一個測試流程使用，直接切換 SlaveId 不需加鎖
func (c *rtuConn) ReadHoldingRegisters(nodeID uint8, address, quantity uint16) ([]byte, error) {
	c.handler.SlaveId = nodeID
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *rtuConn) WriteMultipleRegisters(nodeID uint8, address, quantity uint16, value []byte) ([]byte, error) {
	c.handler.SlaveId = nodeID
	return c.client.WriteMultipleRegisters(address, quantity, value)
}

// RetryPolicy 重試策略，次數為底層呼叫總次數
type RetryPolicy struct {
	ReadAttempts  int
	WriteAttempts int
	Backoff       time.Duration
}

// DefaultRetryPolicy 讀 3 次、寫 3 次、逾時後等待 500ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{ReadAttempts: 3, WriteAttempts: 3, Backoff: 500 * time.Millisecond}
}

// TransportStats 傳輸統計 (可跨多個 Client 共用)
type TransportStats struct {
	Requests   atomic.Uint64
	Errors     atomic.Uint64
	Retries    atomic.Uint64
	Reconnects atomic.Uint64
}

// Client 單一串口的暫存器讀寫客戶端
type Client struct {
	port   string
	cfg    SerialConfig
	dial   Dialer
	policy RetryPolicy
	stats  *TransportStats
	logger *zap.Logger

	conn Conn
}

// ClientOption Client 配置選項
type ClientOption func(*Client)

// WithDialer 自訂連線工廠
func WithDialer(dial Dialer) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithRetryPolicy 設定重試策略
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithTransportStats 共用統計
func WithTransportStats(stats *TransportStats) ClientOption {
	return func(c *Client) {
		c.stats = stats
	}
}

// WithClientLogger 設定日誌
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient 建立客戶端 (尚未連線)
func NewClient(port string, cfg SerialConfig, opts ...ClientOption) *Client {
	c := &Client{
		port:   port,
		cfg:    cfg,
		policy: DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.dial == nil {
		c.dial = NewRTUDialer(c.logger)
	}
	if c.stats == nil {
		c.stats = &TransportStats{}
	}
	c.logger = c.logger.With(zap.String("port", port))

	return c
}

// Port 串口名稱
func (c *Client) Port() string {
	return c.port
}

// Stats 統計資訊
func (c *Client) Stats() *TransportStats {
	return c.stats
}

// Connect 開啟串口；失敗時回傳 *ConnectError，呼叫端不得繼續讀寫
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectError{Port: c.port, Err: err}
	}
	if c.conn != nil {
		return nil
	}

	conn := c.dial(c.port, c.cfg)
	if err := conn.Connect(); err != nil {
		_ = conn.Close()
		return &ConnectError{Port: c.port, Err: err}
	}
	c.conn = conn

	c.logger.Debug("串口已開啟", zap.Int("baud_rate", c.cfg.BaudRate))
	return nil
}

// Close 關閉串口，可重複呼叫
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("關閉串口 %s 失敗: %w", c.port, err)
	}
	return nil
}

func (c *Client) reconnect(ctx context.Context) {
	c.stats.Reconnects.Add(1)
	if err := c.Close(); err != nil {
		c.logger.Debug("重連前關閉失敗", zap.Error(err))
	}
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("重新連線失敗", zap.Error(err))
	}
}

// ReadHoldingRegisters 讀取保持暫存器
func (c *Client) ReadHoldingRegisters(ctx context.Context, nodeID uint8, address, count uint16) ([]uint16, error) {
	if count == 0 || count > MaxRegistersPerRead {
		return nil, &ModbusError{Kind: ErrKindIllegalDataValue, Op: OpRead, NodeID: nodeID, Address: address,
			Err: fmt.Errorf("讀取數量無效: %d", count)}
	}

	data, err := c.do(ctx, OpRead, nodeID, address, c.policy.ReadAttempts, func(conn Conn) ([]byte, error) {
		return conn.ReadHoldingRegisters(nodeID, address, count)
	})
	if err != nil {
		return nil, err
	}

	values := BytesToRegisters(data)
	if len(values) != int(count) {
		return nil, &ModbusError{Kind: ErrKindUnknown, Op: OpRead, NodeID: nodeID, Address: address,
			Err: fmt.Errorf("回應長度 %d 與請求數量 %d 不符", len(values), count)}
	}
	return values, nil
}

// WriteHoldingRegisters 以 FC16 寫入保持暫存器；寫入後的等待由呼叫端決定
func (c *Client) WriteHoldingRegisters(ctx context.Context, nodeID uint8, address uint16, values []uint16) error {
	if len(values) == 0 || len(values) > MaxRegistersPerWrite {
		return &ModbusError{Kind: ErrKindIllegalDataValue, Op: OpWrite, NodeID: nodeID, Address: address,
			Err: fmt.Errorf("寫入數量無效: %d", len(values))}
	}

	payload := RegistersToBytes(values)
	_, err := c.do(ctx, OpWrite, nodeID, address, c.policy.WriteAttempts, func(conn Conn) ([]byte, error) {
		return conn.WriteMultipleRegisters(nodeID, address, uint16(len(values)), payload)
	})
	return err
}

// do 執行一次暫存器操作並套用重試策略:
// 連線逾時重新連線、讀寫逾時等待後重試、其他錯誤直接回傳
func (c *Client) do(ctx context.Context, op Operation, nodeID uint8, address uint16, attempts int, call func(Conn) ([]byte, error)) ([]byte, error) {
	if attempts < 1 {
		attempts = 1
	}

	var last *ModbusError
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return nil, last
			}
			return nil, &ModbusError{Kind: ErrKindUnknown, Op: op, NodeID: nodeID, Address: address, Err: err}
		}

		if c.conn == nil {
			if err := c.Connect(ctx); err != nil {
				c.stats.Errors.Add(1)
				last = &ModbusError{Kind: ErrKindConnectionTimeout, Op: op, NodeID: nodeID, Address: address, Err: err}
				c.logger.Warn("串口未連線", zap.Int("attempt", attempt), zap.Error(err))
				if attempt < attempts {
					if err := sleepContext(ctx, c.policy.Backoff); err != nil {
						return nil, last
					}
				}
				continue
			}
		}

		c.stats.Requests.Add(1)
		if attempt > 1 {
			c.stats.Retries.Add(1)
		}

		data, err := call(c.conn)
		if err == nil {
			return data, nil
		}

		c.stats.Errors.Add(1)
		last = classifyError(op, err)
		last.NodeID = nodeID
		last.Address = address

		switch last.Kind {
		case ErrKindConnectionTimeout:
			c.logger.Warn("連線逾時，重新連線",
				zap.Stringer("op", op),
				zap.Uint16("address", address),
				zap.Int("attempt", attempt),
			)
			c.reconnect(ctx)
		case ErrKindReadTimeout, ErrKindWriteTimeout:
			c.logger.Warn("逾時，稍後重試",
				zap.Stringer("op", op),
				zap.Uint16("address", address),
				zap.Int("attempt", attempt),
			)
			if attempt < attempts {
				if err := sleepContext(ctx, c.policy.Backoff); err != nil {
					return nil, last
				}
			}
		case ErrKindDeviceFailure:
			last.SubCode = c.readSubException(nodeID)
			c.logger.Error("暫存器操作失敗", zap.Error(last))
			return nil, last
		default:
			c.logger.Error("暫存器操作失敗", zap.Error(last))
			return nil, last
		}
	}

	return nil, last
}

// readSubException 單次讀取 ROH_SUB_EXCEPTION，失敗時回傳 SubExceptionNone
func (c *Client) readSubException(nodeID uint8) SubException {
	if c.conn == nil {
		return SubExceptionNone
	}
	c.stats.Requests.Add(1)
	data, err := c.conn.ReadHoldingRegisters(nodeID, RegSubException, 1)
	if err != nil || len(data) < 2 {
		c.stats.Errors.Add(1)
		return SubExceptionNone
	}
	return SubException(BytesToRegisters(data)[0])
}

// sleepContext 可被 ctx 中斷的等待
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
