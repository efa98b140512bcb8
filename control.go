package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ControlSignal 停止 / 暫停旗標，可由任何 goroutine 讀寫
type ControlSignal struct {
	stop  atomic.Bool
	pause atomic.Bool
}

// ControlState 控制旗標快照，也是控制檔的格式
type ControlState struct {
	Stop  bool `json:"stop_test"`
	Pause bool `json:"pause_test"`
}

// RequestStop 要求在下一個輪次邊界停止
func (c *ControlSignal) RequestStop() {
	c.stop.Store(true)
}

// SetPause 設定暫停旗標
func (c *ControlSignal) SetPause(paused bool) {
	c.pause.Store(paused)
}

// TogglePause 切換暫停，回傳新的狀態
func (c *ControlSignal) TogglePause() bool {
	for {
		old := c.pause.Load()
		if c.pause.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Snapshot 讀取目前旗標
func (c *ControlSignal) Snapshot() ControlState {
	return ControlState{Stop: c.stop.Load(), Pause: c.pause.Load()}
}

// Apply 以快照覆蓋旗標；停止旗標只會被設定，不會被清除
func (c *ControlSignal) Apply(s ControlState) {
	if s.Stop {
		c.stop.Store(true)
	}
	c.pause.Store(s.Pause)
}

// Reset 清除旗標
func (c *ControlSignal) Reset() {
	c.stop.Store(false)
	c.pause.Store(false)
}

// ReadControlFile 讀取控制檔；不存在或內容無效時視為未停止、未暫停
func ReadControlFile(path string) ControlState {
	s, _ := readControlFile(path)
	return s
}

func readControlFile(path string) (ControlState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ControlState{}, false
	}
	var s ControlState
	if err := json.Unmarshal(data, &s); err != nil {
		return ControlState{}, false
	}
	return s, true
}

// WriteControlFile 寫入控制檔 (先寫暫存檔再改名)
func WriteControlFile(path string, s ControlState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化控制檔失敗: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("寫入控制檔失敗: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("寫入控制檔失敗: %w", err)
	}
	return nil
}

// ControlFileWatcher 監看控制檔並把變更同步到 ControlSignal
type ControlFileWatcher struct {
	path    string
	signal  *ControlSignal
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewControlFileWatcher 監看控制檔所在目錄 (檔案可能尚未建立或被改名覆蓋)
func NewControlFileWatcher(path string, signal *ControlSignal, logger *zap.Logger) (*ControlFileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析控制檔路徑失敗: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("建立檔案監看失敗: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("監看目錄失敗: %w", err)
	}

	return &ControlFileWatcher{
		path:    abs,
		signal:  signal,
		watcher: w,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Run 處理檔案事件直到 ctx 結束或 Close
func (w *ControlFileWatcher) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			state := ReadControlFile(w.path)
			w.signal.Apply(state)
			w.logger.Info("控制檔變更",
				zap.Bool("stop", state.Stop),
				zap.Bool("pause", state.Pause),
			)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("檔案監看錯誤", zap.Error(err))
		}
	}
}

// Close 停止監看
func (w *ControlFileWatcher) Close() error {
	err := w.watcher.Close()
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
