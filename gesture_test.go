package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGestureLibrary(t *testing.T) {
	lib := DefaultGestureLibrary()

	assert.Len(t, lib.Aging.Initial, 2)
	assert.Len(t, lib.Aging.Grasp, 2)
	assert.Equal(t, StepVector{0, 0, 0, 0, 0, 62258}, lib.Aging.Initial[1])

	require.Len(t, lib.Stress.Gestures, 28)
	assert.Equal(t, "fist", lib.Stress.Gestures[0].Name)
	for _, g := range lib.Stress.Gestures {
		assert.Len(t, g.Steps, 2, g.Name)
	}

	require.Len(t, lib.MotorCurrent.Poses, 4)
	assert.True(t, lib.MotorCurrent.Poses[0].Start)
	bend, ok := findPose(lib, "four_finger_bend")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4}, bend.EndChannels)
}

func findPose(lib *GestureLibrary, name string) (CurrentPose, bool) {
	for _, p := range lib.MotorCurrent.Poses {
		if p.Name == name {
			return p, true
		}
	}
	return CurrentPose{}, false
}

func TestMotorCurrentPoses_CoverAllChannels(t *testing.T) {
	lib := DefaultGestureLibrary()
	covered := make(map[int]bool)
	for _, p := range lib.MotorCurrent.Poses {
		for _, ch := range p.EndChannels {
			assert.False(t, covered[ch], "通道 %d 重複", ch)
			covered[ch] = true
		}
	}
	assert.Len(t, covered, FingerChannelCount)
}

func TestStepVector_Validate(t *testing.T) {
	tests := []struct {
		name    string
		step    StepVector
		wantErr bool
	}{
		{"six channels", StepVector{0, 1, 2, 3, 4, 5}, false},
		{"five channels", StepVector{0, 1, 2, 3, 4}, true},
		{"seven channels", StepVector{0, 1, 2, 3, 4, 5, 6}, true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidStepVector))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

const minimalLibrary = `
aging:
  initial: [[0, 0, 0, 0, 0, 0]]
  grasp: [[1, 1, 1, 1, 1, 1]]
stress:
  initial: [[0, 0, 0, 0, 0, 0]]
  gestures:
    - name: wave
      steps: [[10, 10, 10, 10, 10, 10]]
motor_current:
  initial: [[0, 0, 0, 0, 0, 0]]
  poses:
    - name: natural
      start: true
      steps: [[0, 0, 0, 0, 0, 0]]
`

func TestParseGestureLibrary(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "valid", data: minimalLibrary},
		{
			name: "short step",
			data: `
aging:
  initial: [[0, 0, 0, 0, 0]]
  grasp: [[1, 1, 1, 1, 1, 1]]
`,
			wantErr: "aging.initial",
		},
		{
			name: "missing grasp",
			data: `
aging:
  initial: [[0, 0, 0, 0, 0, 0]]
`,
			wantErr: "grasp",
		},
		{
			name:    "not yaml",
			data:    "aging: [",
			wantErr: "解析手勢表失敗",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib, err := ParseGestureLibrary([]byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			g, ok := lib.StressGesture("wave")
			require.True(t, ok)
			assert.Equal(t, StepVector{10, 10, 10, 10, 10, 10}, g.Steps[0])
		})
	}
}

func TestGestureLibrary_Validate(t *testing.T) {
	t.Run("duplicate stress gesture", func(t *testing.T) {
		lib := DefaultGestureLibrary()
		lib.Stress.Gestures = append(lib.Stress.Gestures, lib.Stress.Gestures[0])
		err := lib.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fist")
	})

	t.Run("end channel out of range", func(t *testing.T) {
		lib := DefaultGestureLibrary()
		lib.MotorCurrent.Poses[1].EndChannels = []int{6}
		assert.Error(t, lib.Validate())
	})
}

func TestLoadGestureLibrary(t *testing.T) {
	lib, err := LoadGestureLibrary("")
	require.NoError(t, err)
	assert.Len(t, lib.Stress.Gestures, 28)

	path := filepath.Join(t.TempDir(), "gestures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalLibrary), 0644))
	lib, err = LoadGestureLibrary(path)
	require.NoError(t, err)
	assert.Len(t, lib.Stress.Gestures, 1)

	_, err = LoadGestureLibrary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLastStep(t *testing.T) {
	assert.Nil(t, LastStep(nil))
	steps := []StepVector{{1, 1, 1, 1, 1, 1}, {2, 2, 2, 2, 2, 2}}
	assert.Equal(t, steps[1], LastStep(steps))
}
