package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

// tempCLIConfig 控制檔與報告都寫到暫存目錄
func tempCLIConfig(t *testing.T) (cfgPath, controlPath, reportDir string) {
	t.Helper()
	dir := t.TempDir()
	controlPath = filepath.Join(dir, "shared_data.json")
	reportDir = filepath.Join(dir, "reports")
	cfgPath = filepath.Join(dir, "config.json")
	content := fmt.Sprintf(`{
  "control": {"file": %q, "watch": false},
  "report": {"enabled": true, "dir": %q},
  "logging": {"level": "error"},
  "scenarios": {"motor_current": {"settle_interval": "400ms", "sample_interval": "1ms", "current_samples": 1}}
}`, controlPath, reportDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath, controlPath, reportDir
}

func TestCLI_ScenarioList(t *testing.T) {
	out, err := executeCLI(t, "scenario", "list")
	require.NoError(t, err)
	for _, st := range ListScenarioTypes() {
		assert.Contains(t, out, st.String())
	}
	assert.Contains(t, out, "依時長")
}

func TestCLI_Version(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rohtest version "+Version)
}

func TestCLI_Control(t *testing.T) {
	cfgPath, controlPath, _ := tempCLIConfig(t)

	out, err := executeCLI(t, "--config", cfgPath, "control", "pause")
	require.NoError(t, err)
	assert.Contains(t, out, "pause_test=true")
	assert.Equal(t, ControlState{Pause: true}, ReadControlFile(controlPath))

	_, err = executeCLI(t, "--config", cfgPath, "control", "stop")
	require.NoError(t, err)
	_, err = executeCLI(t, "--config", cfgPath, "control", "resume")
	require.NoError(t, err)
	assert.Equal(t, ControlState{Stop: true}, ReadControlFile(controlPath))
}

func TestCLI_RunDryRun(t *testing.T) {
	cfgPath, controlPath, reportDir := tempCLIConfig(t)
	require.NoError(t, WriteControlFile(controlPath, ControlState{Stop: true, Pause: true}))

	out, err := executeCLI(t, "--config", cfgPath, "run", "motor_current", "--dry-run", "-p", "/dev/ttySIM0,/dev/ttySIM1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "电机电流测试")
	assert.Contains(t, out, "整體結果: 通过")

	// 執行前重設控制檔
	assert.Equal(t, ControlState{}, ReadControlFile(controlPath))

	entries, err := os.ReadDir(reportDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCLI_RunUnknownScenario(t *testing.T) {
	cfgPath, _, _ := tempCLIConfig(t)
	_, err := executeCLI(t, "--config", cfgPath, "run", "normal", "--dry-run", "-p", "/dev/ttySIM0")
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		wantErr bool
	}{
		{"json info", LoggingConfig{Level: "info", Format: "json"}, false},
		{"console debug", LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"}, false},
		{"empty uses defaults", LoggingConfig{}, false},
		{"bad level", LoggingConfig{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := initLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitTestFailed, exitCode(fmt.Errorf("%w: 不通过", ErrTestFailed)))
	assert.Equal(t, exitError, exitCode(errors.New("無效的節點 ID")))
}
