package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envKeyReplacer 讓巢狀鍵可由環境變數覆蓋
var envKeyReplacer = strings.NewReplacer(".", "_")

// Config 全域配置
type Config struct {
	Serial    SerialConfig              `json:"serial" mapstructure:"serial"`
	Run       RunConfig                 `json:"run" mapstructure:"run"`
	Control   ControlConfig             `json:"control" mapstructure:"control"`
	Discovery DiscoveryConfig           `json:"discovery" mapstructure:"discovery"`
	Scenarios map[string]ScenarioParams `json:"scenarios" mapstructure:"scenarios"`
	Logging   LoggingConfig             `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig             `json:"metrics" mapstructure:"metrics"`
	Report    ReportConfig              `json:"report" mapstructure:"report"`
	Simulator SimulatorConfig           `json:"simulator" mapstructure:"simulator"`
}

// SerialConfig 串口參數
type SerialConfig struct {
	BaudRate    int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits    int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits    int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity      string        `json:"parity" mapstructure:"parity"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	IdleTimeout time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	RS485       bool          `json:"rs485" mapstructure:"rs485"`
	// Trace 以 debug 等級輸出原始封包
	Trace bool `json:"trace" mapstructure:"trace"`
}

// RunConfig 執行參數
type RunConfig struct {
	// MaxWorkers 同時測試的串口上限
	MaxWorkers int `json:"max_workers" mapstructure:"max_workers"`
	// PausePollInterval 暫停時的輪詢間隔
	PausePollInterval time.Duration `json:"pause_poll_interval" mapstructure:"pause_poll_interval"`
	// PauseExtendsDeadline 暫停的時間是否延長截止時間
	PauseExtendsDeadline bool `json:"pause_extends_deadline" mapstructure:"pause_extends_deadline"`
	// GestureFile 自訂手勢表 (YAML)，空白時使用內建表
	GestureFile string `json:"gesture_file" mapstructure:"gesture_file"`
}

// ControlConfig 停止 / 暫停控制檔
type ControlConfig struct {
	File  string `json:"file" mapstructure:"file"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// DiscoveryConfig 串口掃描參數
type DiscoveryConfig struct {
	MinNodeID    uint8         `json:"min_node_id" mapstructure:"min_node_id"`
	MaxNodeID    uint8         `json:"max_node_id" mapstructure:"max_node_id"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	ProbeTimeout time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	Concurrency  int           `json:"concurrency" mapstructure:"concurrency"`
	// USBOnly 只掃描 USB 串口
	USBOnly bool `json:"usb_only" mapstructure:"usb_only"`
}

// ScenarioParams 場景參數，零值欄位以場景預設值補齊
type ScenarioParams struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// SettleInterval 每次寫入後的等待，手勢步驟間不得低於 400ms
	SettleInterval       time.Duration `json:"settle_interval" mapstructure:"settle_interval"`
	PoseTolerance        uint16        `json:"pose_tolerance" mapstructure:"pose_tolerance"`
	VerifyActualPosition bool          `json:"verify_actual_position" mapstructure:"verify_actual_position"`

	CurrentSamples   int           `json:"current_samples" mapstructure:"current_samples"`
	SampleInterval   time.Duration `json:"sample_interval" mapstructure:"sample_interval"`
	MaxSampleErrors  int           `json:"max_sample_errors" mapstructure:"max_sample_errors"`
	CurrentThreshold float64       `json:"current_threshold" mapstructure:"current_threshold"`
	CurrentLimit     uint16        `json:"current_limit" mapstructure:"current_limit"`

	ReadAttempts  int           `json:"read_attempts" mapstructure:"read_attempts"`
	WriteAttempts int           `json:"write_attempts" mapstructure:"write_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`

	NodeIDChange       bool          `json:"node_id_change" mapstructure:"node_id_change"`
	RebootTimeout      time.Duration `json:"reboot_timeout" mapstructure:"reboot_timeout"`
	RebootPollInterval time.Duration `json:"reboot_poll_interval" mapstructure:"reboot_poll_interval"`
}

// WithDefaults 以 d 補齊零值欄位
func (p ScenarioParams) WithDefaults(d ScenarioParams) ScenarioParams {
	if p.SettleInterval == 0 {
		p.SettleInterval = d.SettleInterval
	}
	if p.PoseTolerance == 0 {
		p.PoseTolerance = d.PoseTolerance
	}
	if p.CurrentSamples == 0 {
		p.CurrentSamples = d.CurrentSamples
	}
	if p.SampleInterval == 0 {
		p.SampleInterval = d.SampleInterval
	}
	if p.MaxSampleErrors == 0 {
		p.MaxSampleErrors = d.MaxSampleErrors
	}
	if p.CurrentThreshold == 0 {
		p.CurrentThreshold = d.CurrentThreshold
	}
	if p.CurrentLimit == 0 {
		p.CurrentLimit = d.CurrentLimit
	}
	if p.ReadAttempts == 0 {
		p.ReadAttempts = d.ReadAttempts
	}
	if p.WriteAttempts == 0 {
		p.WriteAttempts = d.WriteAttempts
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = d.RetryBackoff
	}
	if p.RebootTimeout == 0 {
		p.RebootTimeout = d.RebootTimeout
	}
	if p.RebootPollInterval == 0 {
		p.RebootPollInterval = d.RebootPollInterval
	}
	return p
}

// Validate 驗證場景參數
func (p ScenarioParams) Validate() error {
	if p.SettleInterval < MinSettleInterval {
		return fmt.Errorf("settle_interval 不得低於 %v (實際 %v)，否則大拇指與食指會互相碰撞", MinSettleInterval, p.SettleInterval)
	}
	if p.CurrentSamples < 1 || p.CurrentSamples > 20 {
		return fmt.Errorf("current_samples 必須介於 1~20: %d", p.CurrentSamples)
	}
	if p.MaxSampleErrors < 1 {
		return fmt.Errorf("max_sample_errors 必須大於 0")
	}
	if p.ReadAttempts < 1 || p.WriteAttempts < 1 {
		return fmt.Errorf("讀寫嘗試次數必須大於 0")
	}
	if p.ReadAttempts > 10 || p.WriteAttempts > 10 {
		return fmt.Errorf("讀寫嘗試次數超過上限 (最大 10)")
	}
	if p.CurrentThreshold < 0 {
		return fmt.Errorf("current_threshold 不得為負數")
	}
	if def, ok := LookupRegister(RegCurrentLimit0); ok && !def.InRange(p.CurrentLimit) {
		return fmt.Errorf("current_limit 超出範圍 %d~%d: %d", def.Min, def.Max, p.CurrentLimit)
	}
	return nil
}

// RetryPolicy 轉為傳輸層重試策略
func (p ScenarioParams) RetryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy()
	if p.ReadAttempts > 0 {
		policy.ReadAttempts = p.ReadAttempts
	}
	if p.WriteAttempts > 0 {
		policy.WriteAttempts = p.WriteAttempts
	}
	if p.RetryBackoff > 0 {
		policy.Backoff = p.RetryBackoff
	}
	return policy
}

// EngineConfig 轉為手勢引擎參數
func (p ScenarioParams) EngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	if p.SettleInterval > 0 {
		cfg.SettleInterval = p.SettleInterval
	}
	if p.PoseTolerance > 0 {
		cfg.PoseTolerance = p.PoseTolerance
	}
	if p.VerifyActualPosition {
		cfg.PoseAddress = RegFingerPos0
	}
	if p.CurrentSamples > 0 {
		cfg.CurrentSamples = p.CurrentSamples
	}
	if p.SampleInterval > 0 {
		cfg.SampleInterval = p.SampleInterval
	}
	if p.MaxSampleErrors > 0 {
		cfg.MaxSampleErrors = p.MaxSampleErrors
	}
	return cfg
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// ReportConfig 報告輸出
type ReportConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// SimulatorConfig 模擬器配置 (simulate 指令與 --dry-run)
type SimulatorConfig struct {
	NodeID      uint8         `json:"node_id" mapstructure:"node_id"`
	IdleCurrent uint16        `json:"idle_current" mapstructure:"idle_current"`
	Faults      FaultProfile  `json:"faults" mapstructure:"faults"`
	DropDelay   time.Duration `json:"drop_delay" mapstructure:"drop_delay"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	scenarioParams := make(map[string]ScenarioParams)
	for _, t := range ListScenarioTypes() {
		scenarioParams[t.String()] = GetScenario(t).DefaultParams()
	}

	return &Config{
		Serial: SerialConfig{
			BaudRate:    DefaultBaudRate,
			DataBits:    DefaultDataBits,
			StopBits:    DefaultStopBits,
			Parity:      DefaultParity,
			Timeout:     DefaultSerialWait,
			IdleTimeout: 60 * time.Second,
		},
		Run: RunConfig{
			MaxWorkers:        64,
			PausePollInterval: 2 * time.Second,
		},
		Control: ControlConfig{
			File:  "shared_data.json",
			Watch: true,
		},
		Discovery: DiscoveryConfig{
			MinNodeID:    MinNodeID,
			MaxNodeID:    MaxNodeID,
			Timeout:      2 * time.Minute,
			ProbeTimeout: 50 * time.Millisecond,
			Concurrency:  8,
		},
		Scenarios: scenarioParams,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
		Report: ReportConfig{
			Enabled: true,
			Dir:     "reports",
		},
		Simulator: SimulatorConfig{
			NodeID:      DefaultNodeID,
			IdleCurrent: 50,
			DropDelay:   2 * DefaultSerialWait,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rohtest/")
		v.AddConfigPath("$HOME/.rohtest/")
	}

	// 環境變數覆蓋，例如 ROHTEST_SERIAL_BAUD_RATE
	v.SetEnvPrefix("ROHTEST")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// ScenarioParams 取得場景參數 (已補齊預設值)
func (c *Config) ScenarioParams(s Scenario) ScenarioParams {
	p, ok := c.Scenarios[s.Type().String()]
	if !ok {
		return s.DefaultParams()
	}
	return p.WithDefaults(s.DefaultParams())
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("無效的鮑率: %d", c.Serial.BaudRate)
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("無效的資料位元: %d", c.Serial.DataBits)
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		return fmt.Errorf("無效的停止位元: %d", c.Serial.StopBits)
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("無效的同位檢查: %q", c.Serial.Parity)
	}
	if c.Serial.Timeout <= 0 {
		return fmt.Errorf("串口逾時必須大於 0")
	}

	if c.Run.MaxWorkers < 1 {
		return fmt.Errorf("max_workers 必須大於 0")
	}
	if c.Run.MaxWorkers > MaxWorkers {
		return fmt.Errorf("max_workers 超過上限 (最大 %d)", MaxWorkers)
	}

	if c.Discovery.MinNodeID < MinNodeID || c.Discovery.MaxNodeID > MaxNodeID || c.Discovery.MinNodeID > c.Discovery.MaxNodeID {
		return fmt.Errorf("無效的掃描節點範圍: %d~%d", c.Discovery.MinNodeID, c.Discovery.MaxNodeID)
	}
	if c.Discovery.Concurrency < 1 {
		return fmt.Errorf("掃描併發數必須大於 0")
	}

	for name, p := range c.Scenarios {
		s, err := LookupScenario(name)
		if err != nil {
			return err
		}
		if err := p.WithDefaults(s.DefaultParams()).Validate(); err != nil {
			return fmt.Errorf("場景 %s: %w", name, err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的埠號: %d", c.Metrics.Port)
	}

	if c.Simulator.NodeID < MinNodeID || c.Simulator.NodeID > MaxNodeID {
		return fmt.Errorf("無效的模擬器節點 ID: %d", c.Simulator.NodeID)
	}
	if c.Simulator.Faults.DropRate < 0 || c.Simulator.Faults.DropRate > 1 {
		return fmt.Errorf("drop_rate 必須介於 0~1")
	}
	for _, ch := range c.Simulator.Faults.StuckFingers {
		if ch < 0 || ch >= FingerChannelCount {
			return fmt.Errorf("無效的卡住通道: %d", ch)
		}
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
