package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// RunReport 輸出到檔案的測試報告
type RunReport struct {
	RunID               string        `json:"run_id"`
	Scenario            ScenarioType  `json:"scenario"`
	Title               string        `json:"title"`
	Verdict             Verdict       `json:"verdict"`
	NeedsCurrentDisplay bool          `json:"needs_current_display"`
	Rounds              int           `json:"rounds"`
	Stopped             bool          `json:"stopped"`
	Ports               []PortSummary `json:"ports"`
	Excluded            []string      `json:"excluded,omitempty"`
	StartedAt           string        `json:"started_at"`
	FinishedAt          string        `json:"finished_at"`
	Duration            string        `json:"duration"`
	Version             string        `json:"version"`
	Results             OverallResult `json:"results"`
}

// PortSummary 單一串口的彙總
type PortSummary struct {
	Port     string  `json:"port"`
	NodeID   uint8   `json:"node_id"`
	Verdict  Verdict `json:"verdict"`
	Rounds   int     `json:"rounds"`
	Failures int     `json:"failures"`
	// LastComment 最後一筆失敗的說明
	LastComment string `json:"last_comment,omitempty"`
}

// NewRunReport 由執行結果建立報告
func NewRunReport(out RunOutcome) RunReport {
	report := RunReport{
		RunID:               out.RunID,
		Scenario:            out.Scenario,
		Title:               out.Title,
		Verdict:             out.Verdict(),
		NeedsCurrentDisplay: out.NeedsCurrentDisplay,
		Rounds:              out.Rounds,
		Stopped:             out.Stopped,
		Excluded:            out.Excluded,
		StartedAt:           out.StartedAt.Format(TimestampLayout),
		FinishedAt:          out.FinishedAt.Format(TimestampLayout),
		Duration:            out.FinishedAt.Sub(out.StartedAt).Round(time.Second).String(),
		Version:             Version,
		Results:             out.Results,
	}
	report.Ports = SummarizePorts(out.Results)
	return report
}

// SummarizePorts 依串口彙總；串口順序為字母序，無串口的合成結果排在最前
func SummarizePorts(results OverallResult) []PortSummary {
	byPort := results.ByPort()
	names := make([]string, 0, len(byPort))
	for name := range byPort {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]PortSummary, 0, len(names))
	for _, name := range names {
		runs := byPort[name]
		s := PortSummary{Port: name, NodeID: runs[0].NodeID, Verdict: OverallResult(runs).Verdict()}
		rounds := make(map[int]struct{})
		for _, r := range runs {
			rounds[r.Round] = struct{}{}
			for _, g := range r.Gestures {
				if !g.Verdict.Passed() {
					s.Failures++
					s.LastComment = g.Comment
				}
			}
		}
		s.Rounds = len(rounds)
		summaries = append(summaries, s)
	}
	return summaries
}

// ReportFileName <場景>-<時間>-<run id 前 8 碼>.json
func ReportFileName(r RunReport, now time.Time) string {
	id := r.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s.json", r.Scenario, now.Format("20060102-150405"), id)
}

// WriteReport 寫入報告檔，回傳檔案路徑
func WriteReport(dir string, r RunReport) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("建立報告目錄失敗: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化報告失敗: %w", err)
	}
	path := filepath.Join(dir, ReportFileName(r, time.Now()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("寫入報告失敗: %w", err)
	}
	return path, nil
}

// PrintSummary 輸出文字摘要
func PrintSummary(w io.Writer, r RunReport) {
	fmt.Fprintf(w, "%s\n", r.Title)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 40))
	fmt.Fprintf(w, "Run ID:   %s\n", r.RunID)
	fmt.Fprintf(w, "開始時間: %s\n", r.StartedAt)
	fmt.Fprintf(w, "結束時間: %s (%s)\n", r.FinishedAt, r.Duration)
	fmt.Fprintf(w, "輪次:     %d\n", r.Rounds)
	if r.Stopped {
		fmt.Fprintf(w, "狀態:     已停止\n")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "串口\t節點\t輪次\t失敗\t結果\t說明")
	for _, p := range r.Ports {
		port := p.Port
		if port == "" {
			port = "-"
		}
		comment := p.LastComment
		if comment == "" {
			comment = "无"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", port, p.NodeID, p.Rounds, p.Failures, p.Verdict, comment)
	}
	tw.Flush()

	if len(r.Excluded) > 0 {
		fmt.Fprintf(w, "\n已排除串口: %s\n", strings.Join(r.Excluded, ", "))
	}
	fmt.Fprintf(w, "\n整體結果: %s\n", r.Verdict)
}
