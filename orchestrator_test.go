package main

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig 不讀控制檔、重試不等待的配置
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Control.File = ""
	for name, p := range cfg.Scenarios {
		p.RetryBackoff = time.Millisecond
		cfg.Scenarios[name] = p
	}
	return cfg
}

// stepClock 每次讀取前進 step
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// funcScenario 以函式取代 Exercise 的老化場景
type funcScenario struct {
	AgingScenario
	exercise func(ctx context.Context, dev *Device) []GestureResult
}

func (s *funcScenario) Exercise(ctx context.Context, dev *Device, _ ScenarioParams) []GestureResult {
	return s.exercise(ctx, dev)
}

func passExercise(context.Context, *Device) []GestureResult {
	return []GestureResult{NewGestureResult("ok", "", "", VerdictPass, "")}
}

func newTestOrchestrator(fleet *SimulatorFleet, opts ...OrchestratorOption) *Orchestrator {
	base := []OrchestratorOption{
		WithOrchestratorDialer(fleet.Dialer()),
		WithOrchestratorSleep(noSleep),
	}
	return NewOrchestrator(testConfig(), append(base, opts...)...)
}

func TestOrchestrator_InvalidTargets(t *testing.T) {
	tests := []struct {
		name    string
		ports   []string
		nodeIDs []uint8
		comment string
	}{
		{"no ports", nil, nil, commentNoPorts},
		{"id count mismatch", []string{"p1", "p2"}, []uint8{2}, commentPortIDMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(NewSimulatorFleet(nil))
			out := o.Run(context.Background(), &AgingScenario{}, tt.ports, tt.nodeIDs, 1)

			require.Len(t, out.Results, 1)
			assert.Equal(t, "", out.Results[0].Port)
			assert.Equal(t, tt.comment, out.Results[0].Gestures[0].Comment)
			assert.Equal(t, VerdictFail, out.Verdict())
			assert.Zero(t, out.Rounds)
			assert.Equal(t, OrchestratorIdle, o.State())
		})
	}
}

func TestOrchestrator_PanickingPortDoesNotAffectOthers(t *testing.T) {
	ports := []string{"p1", "p2", "p3"}
	fleet := NewSimulatorFleet(ports)
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		if dev.Port == "p2" {
			panic("boom")
		}
		return passExercise(ctx, dev)
	}}

	out := newTestOrchestrator(fleet).Run(context.Background(), s, ports, []uint8{2, 2, 2}, 0)

	require.Len(t, out.Results, 3)
	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, VerdictFail, out.Verdict())

	byPort := out.Results.ByPort()
	assert.True(t, byPort["p1"][0].Passed())
	assert.True(t, byPort["p3"][0].Passed())
	assert.False(t, byPort["p2"][0].Passed())
	assert.Contains(t, byPort["p2"][0].Gestures[0].Comment, "boom")
}

func TestOrchestrator_StopBeforeNextRound(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"p1"})
	signal := &ControlSignal{}
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		signal.RequestStop()
		return passExercise(ctx, dev)
	}}

	o := newTestOrchestrator(fleet, WithControlSignal(signal))
	out := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 1)

	assert.Equal(t, 1, out.Rounds)
	assert.True(t, out.Stopped)
	require.Len(t, out.Results, 1)
	assert.Equal(t, VerdictPass, out.Verdict())
}

func TestOrchestrator_RunsUntilDeadline(t *testing.T) {
	ports := []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}
	fleet := NewSimulatorFleet(ports, WithSimIdleCurrent(50))
	clock := &stepClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}

	o := newTestOrchestrator(fleet, WithOrchestratorClock(clock.Now))
	out := o.Run(context.Background(), &AgingScenario{}, ports, []uint8{2, 2}, 0.05)

	// 每輪結束讀一次時鐘，第三輪後到達三分鐘截止
	assert.Equal(t, 3, out.Rounds)
	assert.Len(t, out.Results, 6)
	assert.Equal(t, VerdictPass, out.Verdict())
	assert.False(t, out.Stopped)
	assert.Empty(t, out.Excluded)
	assert.Equal(t, ScenarioAging, out.Scenario)
	assert.NotEmpty(t, out.RunID)

	p := o.Progress()
	assert.Equal(t, 3, p.Round)
	assert.Equal(t, 6, p.Passed)
	assert.Zero(t, p.Failed)
	assert.Positive(t, o.Stats().Requests.Load())
}

func TestOrchestrator_NonDurationScenarioRunsOnce(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"p1"}, WithSimIdleCurrent(30))
	out := newTestOrchestrator(fleet).Run(context.Background(), &MotorCurrentScenario{}, []string{"p1"}, []uint8{2}, 10)

	assert.Equal(t, 1, out.Rounds)
	assert.True(t, out.NeedsCurrentDisplay)
	assert.Equal(t, VerdictPass, out.Verdict())
}

func TestOrchestrator_ExcludesUnreachablePorts(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"p1"}, WithSimIdleCurrent(50))
	clock := &stepClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}

	o := newTestOrchestrator(fleet, WithOrchestratorClock(clock.Now))
	out := o.Run(context.Background(), &AgingScenario{}, []string{"p1", "missing"}, []uint8{2, 2}, 0.05)

	assert.Equal(t, []string{"missing"}, out.Excluded)
	assert.Equal(t, VerdictFail, out.Verdict())

	byPort := out.Results.ByPort()
	assert.Len(t, byPort["missing"], 1)
	assert.Len(t, byPort["p1"], out.Rounds)
	for _, r := range byPort["p1"] {
		assert.True(t, r.Passed())
	}
}

func TestOrchestrator_AllPortsExcluded(t *testing.T) {
	o := newTestOrchestrator(NewSimulatorFleet(nil))
	out := o.Run(context.Background(), &AgingScenario{}, []string{"missing"}, []uint8{2}, 1)

	require.Len(t, out.Results, 2)
	assert.Equal(t, commentConnectFailed, out.Results[0].Gestures[0].Comment)
	assert.Equal(t, commentNoDevice, out.Results[1].Gestures[0].Comment)
	assert.Equal(t, 1, out.Rounds)
}

func TestOrchestrator_PauseWaitsAtRoundBoundary(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"p1"})
	signal := &ControlSignal{}
	signal.SetPause(true)

	var pauseSleeps atomic.Int32
	sleep := func(ctx context.Context, d time.Duration) error {
		if signal.Snapshot().Pause {
			if pauseSleeps.Add(1) == 3 {
				signal.SetPause(false)
			}
		}
		return ctx.Err()
	}
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		signal.RequestStop()
		return passExercise(ctx, dev)
	}}

	o := newTestOrchestrator(fleet, WithControlSignal(signal), WithOrchestratorSleep(sleep))
	out := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 1)

	assert.Equal(t, int32(3), pauseSleeps.Load())
	assert.Equal(t, 1, out.Rounds)
	assert.True(t, out.Stopped)
	assert.Equal(t, VerdictPass, out.Verdict())
}

func TestOrchestrator_PausedPastDeadlineEndsRun(t *testing.T) {
	tests := []struct {
		name         string
		pauseAtRound int
		wantRounds   int
		wantVerdict  Verdict
		wantComment  string
	}{
		{"paused after first round", 1, 1, VerdictPass, ""},
		{"paused before any round", 0, 0, VerdictFail, commentPausedToDeadline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signal := &ControlSignal{}
			if tt.pauseAtRound == 0 {
				signal.SetPause(true)
			}
			var rounds atomic.Int32
			s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
				if int(rounds.Add(1)) == tt.pauseAtRound {
					signal.SetPause(true)
				}
				return passExercise(ctx, dev)
			}}

			var pauseSleeps atomic.Int32
			sleep := func(ctx context.Context, _ time.Duration) error {
				// 暫停永不解除，只能靠截止時間結束
				if pauseSleeps.Add(1) > 50 {
					signal.RequestStop()
				}
				return ctx.Err()
			}
			clock := &stepClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}

			o := newTestOrchestrator(NewSimulatorFleet([]string{"p1"}),
				WithControlSignal(signal),
				WithOrchestratorSleep(sleep),
				WithOrchestratorClock(clock.Now),
			)
			out := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 0.05)

			assert.False(t, out.Stopped)
			assert.LessOrEqual(t, pauseSleeps.Load(), int32(5))
			assert.Equal(t, tt.wantRounds, out.Rounds)
			assert.Equal(t, tt.wantVerdict, out.Verdict())
			if tt.wantComment != "" {
				require.Len(t, out.Results, 1)
				assert.Equal(t, tt.wantComment, out.Results[0].Gestures[0].Comment)
			}
		})
	}
}

func TestOrchestrator_PauseExtendsDeadline(t *testing.T) {
	signal := &ControlSignal{}
	var rounds atomic.Int32
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		if rounds.Add(1) == 1 {
			signal.SetPause(true)
		}
		return passExercise(ctx, dev)
	}}
	clock := &stepClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}
	var pauseSleeps atomic.Int32
	sleep := func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		if pauseSleeps.Add(1) == 10 {
			signal.SetPause(false)
		}
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.Run.PauseExtendsDeadline = true
	cfg.Run.PausePollInterval = time.Minute
	o := NewOrchestrator(cfg,
		WithOrchestratorDialer(NewSimulatorFleet([]string{"p1"}).Dialer()),
		WithControlSignal(signal),
		WithOrchestratorSleep(sleep),
		WithOrchestratorClock(clock.Now),
	)
	out := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 0.05)

	// 暫停十分鐘補回截止時間，恢復後再跑到 13 分鐘
	assert.Equal(t, int32(10), pauseSleeps.Load())
	assert.Equal(t, 3, out.Rounds)
	assert.False(t, out.Stopped)
}

func TestOrchestrator_SignalResetAfterRun(t *testing.T) {
	signal := &ControlSignal{}
	var calls atomic.Int32
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		if calls.Add(1) == 1 {
			signal.RequestStop()
			signal.SetPause(true)
		}
		return passExercise(ctx, dev)
	}}
	o := newTestOrchestrator(NewSimulatorFleet([]string{"p1"}), WithControlSignal(signal))

	first := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 1)
	assert.True(t, first.Stopped)
	assert.Equal(t, ControlState{}, signal.Snapshot())

	second := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 0)
	assert.False(t, second.Stopped)
	assert.Equal(t, 1, second.Rounds)
	assert.Equal(t, VerdictPass, second.Verdict())
}

func TestOrchestrator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newTestOrchestrator(NewSimulatorFleet([]string{"p1"})).Run(ctx, &AgingScenario{}, []string{"p1"}, []uint8{2}, 1)

	assert.True(t, out.Stopped)
	assert.Zero(t, out.Rounds)
	assert.Equal(t, VerdictFail, out.Verdict())
}

func TestOrchestrator_ControlFileStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared_data.json")
	require.NoError(t, WriteControlFile(path, ControlState{Stop: true}))

	cfg := testConfig()
	cfg.Control.File = path
	o := NewOrchestrator(cfg,
		WithOrchestratorDialer(NewSimulatorFleet([]string{"p1"}).Dialer()),
		WithOrchestratorSleep(noSleep),
	)
	out := o.Run(context.Background(), &AgingScenario{}, []string{"p1"}, []uint8{2}, 1)

	assert.True(t, out.Stopped)
	assert.Zero(t, out.Rounds)
	assert.Equal(t, ControlState{}, o.Signal().Snapshot())
}

func TestOrchestrator_ControlFileDoesNotClearHTTPPause(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared_data.json")
	require.NoError(t, WriteControlFile(path, ControlState{}))

	cfg := testConfig()
	cfg.Control.File = path
	signal := &ControlSignal{}

	var rounds atomic.Int32
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		if rounds.Add(1) == 1 {
			// 第一輪後由 HTTP 暫停，控制檔內容沒變
			signal.SetPause(true)
		} else {
			signal.RequestStop()
		}
		return passExercise(ctx, dev)
	}}

	var pauseSleeps atomic.Int32
	sleep := func(ctx context.Context, _ time.Duration) error {
		if signal.Snapshot().Pause && pauseSleeps.Add(1) == 2 {
			signal.SetPause(false)
		}
		return nil
	}

	o := NewOrchestrator(cfg,
		WithControlSignal(signal),
		WithOrchestratorDialer(NewSimulatorFleet([]string{"p1"}).Dialer()),
		WithOrchestratorSleep(sleep),
	)
	out := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 1)

	assert.Equal(t, int32(2), pauseSleeps.Load())
	assert.Equal(t, 2, out.Rounds)
	assert.True(t, out.Stopped)
}

func TestOrchestrator_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		<-release
		return passExercise(ctx, dev)
	}}
	o := newTestOrchestrator(NewSimulatorFleet([]string{"p1"}))

	done := make(chan RunOutcome, 1)
	go func() {
		done <- o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 0)
	}()
	require.Eventually(t, func() bool { return o.State() == OrchestratorRunning }, time.Second, time.Millisecond)

	second := o.Run(context.Background(), s, []string{"p1"}, []uint8{2}, 0)
	require.Len(t, second.Results, 1)
	assert.Equal(t, commentAlreadyRunning, second.Results[0].Gestures[0].Comment)

	close(release)
	first := <-done
	assert.Equal(t, VerdictPass, first.Verdict())
	assert.Equal(t, OrchestratorIdle, o.State())
}

func TestOrchestrator_BoundedWorkers(t *testing.T) {
	ports := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	fleet := NewSimulatorFleet(ports)

	var active, peak atomic.Int32
	s := &funcScenario{exercise: func(ctx context.Context, dev *Device) []GestureResult {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return passExercise(ctx, dev)
	}}

	cfg := testConfig()
	cfg.Run.MaxWorkers = 2
	o := NewOrchestrator(cfg, WithOrchestratorDialer(fleet.Dialer()), WithOrchestratorSleep(noSleep))
	out := o.Run(context.Background(), s, ports, []uint8{2, 2, 2, 2, 2, 2}, 0)

	assert.Len(t, out.Results, len(ports))
	assert.LessOrEqual(t, peak.Load(), int32(2))

	got := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		got = append(got, r.Port)
	}
	sort.Strings(got)
	assert.Equal(t, ports, got)
}

func TestExcludedPorts(t *testing.T) {
	e := NewExcludedPorts()
	e.Add("b")
	e.Add("a")
	e.Add("b")

	assert.True(t, e.Contains("a"))
	assert.False(t, e.Contains("c"))
	assert.Equal(t, []string{"a", "b"}, e.List())

	targets := []PortTarget{{"a", 2}, {"c", 3}, {"b", 4}}
	assert.Equal(t, []PortTarget{{"c", 3}}, e.Filter(targets))
}

func TestRunScenario(t *testing.T) {
	fleet := NewSimulatorFleet([]string{"p1"}, WithSimIdleCurrent(30))
	title, results, display := RunScenario(context.Background(), "current", []string{"p1"}, []uint8{2}, 1,
		WithOrchestratorDialer(fleet.Dialer()),
		WithOrchestratorSleep(noSleep),
	)

	assert.Equal(t, (&MotorCurrentScenario{}).Title(), title)
	assert.True(t, display)
	assert.Equal(t, VerdictPass, results.Verdict())

	title, results, display = RunScenario(context.Background(), "bogus", []string{"p1"}, []uint8{2}, 1)
	assert.Empty(t, title)
	assert.False(t, display)
	require.Len(t, results, 1)
	assert.Equal(t, commentUnknownScenario, results[0].Gestures[0].Comment)
}
