package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrTestFailed 測試已完成但結果不通過
var ErrTestFailed = errors.New("測試未通過")

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "rohtest",
	Short: "ROH 靈巧手 Modbus-RTU 耐久 / 壓力測試",
	Long: `透過 Modbus-RTU 串口同時測試多隻 ROH 靈巧手。
支援老化、28 手勢壓測、電機電流與 MODBUS 協議測試。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version 和 help 命令)
		appConfig = DefaultConfig()
		var cfgErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				cfgErr = err
			} else {
				appConfig = cfg
			}
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		if cfgErr != nil {
			logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(cfgErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd 執行測試
var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "執行測試",
	Long: `在指定串口上執行測試場景。
場景: aging, gesture_stress, motor_current, register_conformance`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := LookupScenario(args[0])
		if err != nil {
			return err
		}

		ports, _ := cmd.Flags().GetStringSlice("ports")
		ids, _ := cmd.Flags().GetUintSlice("node-ids")
		hours, _ := cmd.Flags().GetFloat64("hours")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noReport, _ := cmd.Flags().GetBool("no-report")

		if gf, _ := cmd.Flags().GetString("gesture-file"); gf != "" {
			appConfig.Run.GestureFile = gf
		}

		nodeIDs := make([]uint8, len(ids))
		for i, id := range ids {
			if id < MinNodeID || id > MaxNodeID {
				return fmt.Errorf("無效的節點 ID: %d", id)
			}
			nodeIDs[i] = uint8(id)
		}
		// 只給一個節點 ID 時套用到所有串口
		if len(nodeIDs) == 1 && len(ports) > 1 {
			for len(nodeIDs) < len(ports) {
				nodeIDs = append(nodeIDs, nodeIDs[0])
			}
		}

		gestures, err := LoadGestureLibrary(appConfig.Run.GestureFile)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ctlSignal := &ControlSignal{}
		opts := []OrchestratorOption{
			WithControlSignal(ctlSignal),
			WithGestureLibrary(gestures),
			WithOrchestratorLogger(logger),
		}
		if dryRun {
			fleet := NewSimulatorFleet(ports,
				WithSimLogger(logger),
				WithSimFaults(appConfig.Simulator.Faults),
				WithSimIdleCurrent(appConfig.Simulator.IdleCurrent),
			)
			opts = append(opts, WithOrchestratorDialer(fleet.Dialer()))
			for i, p := range ports {
				if sim, ok := fleet.Get(p); ok && i < len(nodeIDs) {
					_ = sim.Registers().WriteHoldingRegister(RegNodeID, uint16(nodeIDs[i]))
				}
			}
			logger.Info("使用模擬設備執行", zap.Strings("ports", ports))
		} else {
			opts = append(opts, WithOrchestratorDialer(NewRTUDialer(logger)))
		}
		orch := NewOrchestrator(appConfig, opts...)

		// 清除上一次留下的停止 / 暫停旗標
		if appConfig.Control.File != "" {
			if err := WriteControlFile(appConfig.Control.File, ControlState{}); err != nil {
				logger.Warn("重設控制檔失敗", zap.Error(err))
			}
			if appConfig.Control.Watch {
				watcher, err := NewControlFileWatcher(appConfig.Control.File, ctlSignal, logger)
				if err != nil {
					logger.Warn("無法監看控制檔，僅於輪次邊界讀取", zap.Error(err))
				} else {
					go watcher.Run(ctx)
					defer watcher.Close()
				}
			}
		}

		if appConfig.Metrics.Enabled {
			metrics := NewMetricsCollector(orch, logger)
			if err := metrics.Start(ctx, appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		// 第一次信號在輪次邊界停止，第二次立即取消
		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case sig := <-sigChan:
				logger.Info("收到關閉信號，本輪結束後停止", zap.String("signal", sig.String()))
				ctlSignal.RequestStop()
			case <-ctx.Done():
				return
			}
			select {
			case <-sigChan:
				logger.Warn("再次收到信號，立即中止")
				cancel()
			case <-ctx.Done():
			}
		}()

		out := orch.Run(ctx, s, ports, nodeIDs, hours)
		report := NewRunReport(out)
		PrintSummary(cmd.OutOrStdout(), report)

		if appConfig.Report.Enabled && !noReport {
			path, err := WriteReport(appConfig.Report.Dir, report)
			if err != nil {
				logger.Error("寫入報告失敗", zap.Error(err))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "報告已輸出: %s\n", path)
			}
		}

		if !out.Verdict().Passed() {
			return fmt.Errorf("%w: %s", ErrTestFailed, out.Verdict())
		}
		return nil
	},
}

// scanCmd 掃描設備
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "掃描串口上的靈巧手",
	Long:  "列舉系統串口，逐一探測節點 ID 並讀取韌體版本。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usb, _ := cmd.Flags().GetBool("usb-only"); usb {
			appConfig.Discovery.USBOnly = true
		}
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			appConfig.Discovery.Timeout = timeout
		}

		scanner := NewScanner(appConfig.Discovery, appConfig.Serial,
			WithScannerDialer(NewRTUDialer(logger)),
			WithScannerLogger(logger),
		)
		devices, err := scanner.Scan(cmd.Context())
		if err != nil {
			return fmt.Errorf("掃描失敗: %w", err)
		}

		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "沒有找到任何設備")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "串口\t節點\t名稱\t韌體\tVID:PID\t序號")
		for _, d := range devices {
			usb := "-"
			if d.Port.IsUSB {
				usb = d.Port.VID + ":" + d.Port.PID
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				d.Port.Name, d.NodeID, d.Name, d.Firmware, usb, d.Port.SerialNumber)
		}
		return tw.Flush()
	},
}

// simulateCmd 啟動模擬設備
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "啟動 ROH 模擬設備",
	Long:  "在串口 (RTU) 或 TCP 位址上模擬一隻 ROH 靈巧手，供台架或冒煙測試使用。",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		tcpAddr, _ := cmd.Flags().GetString("tcp")
		if port == "" && tcpAddr == "" {
			return fmt.Errorf("必須指定 --port 或 --tcp")
		}
		if id, _ := cmd.Flags().GetUint8("node-id"); id > 0 {
			appConfig.Simulator.NodeID = id
		}

		name := port
		if name == "" {
			name = tcpAddr
		}
		sim := NewHandSimulator(name,
			WithSimNodeID(appConfig.Simulator.NodeID),
			WithSimLogger(logger),
			WithSimFaults(appConfig.Simulator.Faults),
			WithSimIdleCurrent(appConfig.Simulator.IdleCurrent),
			WithSimDropDelay(appConfig.Simulator.DropDelay),
		)

		var err error
		if port != "" {
			err = sim.StartRTU(port, appConfig.Serial)
		} else {
			err = sim.StartTCP(tcpAddr)
		}
		if err != nil {
			return err
		}
		defer sim.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))
		return nil
	},
}

// controlCmd 控制執行中的測試
var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "控制執行中的測試",
	Long:  "透過控制檔停止、暫停或繼續執行中的測試。",
}

func controlAction(apply func(*ControlState)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := appConfig.Control.File
		state := ReadControlFile(path)
		apply(&state)
		if err := WriteControlFile(path, state); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stop_test=%t pause_test=%t\n", state.Stop, state.Pause)
		return nil
	}
}

var controlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "在本輪結束後停止",
	RunE:  controlAction(func(s *ControlState) { s.Stop = true }),
}

var controlPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "暫停 (下一輪不開始)",
	RunE:  controlAction(func(s *ControlState) { s.Pause = true }),
}

var controlResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "繼續",
	RunE:  controlAction(func(s *ControlState) { s.Pause = false }),
}

var controlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看控制旗標",
	Run: func(cmd *cobra.Command, args []string) {
		state := ReadControlFile(appConfig.Control.File)
		fmt.Fprintf(cmd.OutOrStdout(), "stop_test=%t pause_test=%t\n", state.Stop, state.Pause)
	},
}

// scenarioCmd 場景命令組
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "場景管理命令",
}

// scenarioListCmd 列出場景
var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出可用場景",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "可用的測試場景:")
		for _, t := range ListScenarioTypes() {
			s := GetScenario(t)
			title := strings.SplitN(s.Title(), "\n", 2)[0]
			mode := "單輪"
			if s.DurationBound() {
				mode = "依時長"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %-8s %s\n", t, mode, title)
		}
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "配置驗證通過")
		fmt.Fprintf(out, "  串口: %d %d%s%d timeout=%v\n",
			cfg.Serial.BaudRate, cfg.Serial.DataBits, cfg.Serial.Parity, cfg.Serial.StopBits, cfg.Serial.Timeout)
		fmt.Fprintf(out, "  併發上限: %d\n", cfg.Run.MaxWorkers)
		fmt.Fprintf(out, "  控制檔: %s\n", cfg.Control.File)
		fmt.Fprintf(out, "  場景設定: %d\n", len(cfg.Scenarios))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rohtest version %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build: %s\n", BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// run 命令 flags
	runCmd.Flags().StringSliceP("ports", "p", nil, "串口列表，例如 /dev/ttyUSB0,/dev/ttyUSB1")
	runCmd.Flags().UintSliceP("node-ids", "n", []uint{DefaultNodeID}, "節點 ID 列表 (與串口一一對應)")
	runCmd.Flags().Float64P("hours", "H", 1, "測試時長 (小時)")
	runCmd.Flags().Bool("dry-run", false, "以模擬設備執行")
	runCmd.Flags().Bool("no-report", false, "不輸出報告檔")
	runCmd.Flags().String("gesture-file", "", "自訂手勢表 (YAML)")

	// scan 命令 flags
	scanCmd.Flags().Bool("usb-only", false, "只掃描 USB 串口")
	scanCmd.Flags().Duration("timeout", 0, "整體掃描時限")

	// simulate 命令 flags
	simulateCmd.Flags().String("port", "", "模擬器使用的串口")
	simulateCmd.Flags().String("tcp", "", "以 Modbus TCP 監聽的位址，例如 :5020")
	simulateCmd.Flags().Uint8("node-id", 0, "模擬器節點 ID")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	controlCmd.AddCommand(controlStopCmd, controlPauseCmd, controlResumeCmd, controlStatusCmd)
	scenarioCmd.AddCommand(scenarioListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		runCmd,
		scanCmd,
		simulateCmd,
		controlCmd,
		scenarioCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("無效的日誌等級: %w", err)
		}
		zcfg.Level = level
	}
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
