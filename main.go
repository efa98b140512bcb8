package main

import (
	"errors"
	"fmt"
	"os"
)

// 版本資訊 (由 ldflags 注入)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 結束碼: 1 執行錯誤，2 測試不通過
const (
	exitError      = 1
	exitTestFailed = 2
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTestFailed):
		return exitTestFailed
	default:
		return exitError
	}
}

func main() {
	err := Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
	}
	os.Exit(exitCode(err))
}
