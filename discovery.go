package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// DeviceName 掃描到的設備名稱
const DeviceName = "Rohand"

// PortInfo 系統串口資訊
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortLister 列出可用串口
type PortLister func() ([]PortInfo, error)

// ListSerialPorts 使用系統列舉取得串口 (含 USB VID/PID)，列舉失敗時退回簡單列表
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return ports, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("列舉串口失敗: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}

// DiscoveredDevice 掃描到的靈巧手
type DiscoveredDevice struct {
	Port     PortInfo `json:"port"`
	NodeID   uint8    `json:"node_id"`
	Name     string   `json:"name"`
	Firmware string   `json:"firmware"`
}

// FormatFirmwareVersion FW_VERSION 兩個暫存器轉為 V主.次.修訂
func FormatFirmwareVersion(r0, r1 uint16) string {
	return fmt.Sprintf("V%d.%d.%d", (r0>>8)&0xFF, r0&0xFF, r1&0xFF)
}

// Scanner 掃描串口上的設備
type Scanner struct {
	cfg    DiscoveryConfig
	serial SerialConfig
	dialer Dialer
	list   PortLister
	logger *zap.Logger
}

// ScannerOption 掃描器選項
type ScannerOption func(*Scanner)

// WithScannerDialer 設定連線方式
func WithScannerDialer(d Dialer) ScannerOption {
	return func(s *Scanner) {
		s.dialer = d
	}
}

// WithPortLister 設定串口列舉方式
func WithPortLister(l PortLister) ScannerOption {
	return func(s *Scanner) {
		s.list = l
	}
}

// WithScannerLogger 設定日誌
func WithScannerLogger(logger *zap.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// NewScanner 建立掃描器；探測時使用較短的逾時
func NewScanner(cfg DiscoveryConfig, serialCfg SerialConfig, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		cfg:    cfg,
		serial: serialCfg,
		list:   ListSerialPorts,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = NewRTUDialer(s.logger)
	}
	if s.cfg.ProbeTimeout > 0 {
		s.serial.Timeout = s.cfg.ProbeTimeout
	}
	if s.cfg.MinNodeID == 0 {
		s.cfg.MinNodeID = MinNodeID
	}
	if s.cfg.MaxNodeID == 0 {
		s.cfg.MaxNodeID = MaxNodeID
	}
	if s.cfg.Concurrency < 1 {
		s.cfg.Concurrency = 1
	}
	return s
}

// Scan 並行探測所有串口，超過整體時限時回傳已找到的設備；結果依串口排序
func (s *Scanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	ports, err := s.list()
	if err != nil {
		return nil, err
	}
	if s.cfg.USBOnly {
		usb := ports[:0]
		for _, p := range ports {
			if p.IsUSB {
				usb = append(usb, p)
			}
		}
		ports = usb
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		devices []DiscoveredDevice
	)
	semaphore := make(chan struct{}, s.cfg.Concurrency)

	for _, p := range ports {
		wg.Add(1)
		go func(p PortInfo) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			dev, ok := s.ProbePort(ctx, p)
			if !ok {
				return
			}
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Port.Name < devices[j].Port.Name })

	if ctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("掃描逾時，回傳部分結果", zap.Int("found", len(devices)))
	}
	return devices, nil
}

// ProbePort 依序探測節點 ID，第一個回應 FW_VERSION 的即為結果
func (s *Scanner) ProbePort(ctx context.Context, port PortInfo) (DiscoveredDevice, bool) {
	logger := s.logger.With(zap.String("port", port.Name))
	client := NewClient(port.Name, s.serial,
		WithDialer(s.dialer),
		WithRetryPolicy(RetryPolicy{ReadAttempts: 1, WriteAttempts: 1}),
		WithClientLogger(zap.NewNop()),
	)
	if err := client.Connect(ctx); err != nil {
		logger.Debug("串口無法開啟", zap.Error(err))
		return DiscoveredDevice{}, false
	}
	defer client.Close()

	start := time.Now()
	for id := int(s.cfg.MinNodeID); id <= int(s.cfg.MaxNodeID); id++ {
		if ctx.Err() != nil {
			return DiscoveredDevice{}, false
		}
		regs, err := client.ReadHoldingRegisters(ctx, uint8(id), RegFWVersion, 2)
		if err != nil {
			continue
		}
		dev := DiscoveredDevice{
			Port:     port,
			NodeID:   uint8(id),
			Name:     DeviceName,
			Firmware: FormatFirmwareVersion(regs[0], regs[1]),
		}
		logger.Info("找到設備",
			zap.Uint8("node_id", dev.NodeID),
			zap.String("firmware", dev.Firmware),
			zap.Duration("elapsed", time.Since(start)),
		)
		return dev, true
	}
	return DiscoveredDevice{}, false
}
