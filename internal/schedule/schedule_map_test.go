package schedule

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

func configs(pairs ...interface{}) []types.ScheduleConfig {
	var out []types.ScheduleConfig
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, types.ScheduleConfig{UUID: pairs[i].(string), CycleTime: int64(pairs[i+1].(int))})
	}
	return out
}

func TestConfigureLengthIsLcmOverGcd(t *testing.T) {
	cases := []struct {
		name   string
		set    []types.ScheduleConfig
		gcd    int64
		length int
	}{
		{"single", configs("a", 100), 100, 1},
		{"harmonic", configs("a", 10, "b", 20, "c", 40), 10, 4},
		{"mixed", configs("a", 10, "b", 20, "c", 50), 10, 10},
		{"coprime", configs("a", 3000, "b", 5000), 1000, 15},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMap()
			require.True(t, m.Configure(tc.set))
			assert.Equal(t, tc.gcd, m.CycleTime())
			assert.Equal(t, tc.length, m.Length())

			// every step is due at slot 0
			slot0 := m.Slots()[0]
			assert.Len(t, slot0.Steps, len(tc.set))
		})
	}
}

func TestConfigureEmptySet(t *testing.T) {
	m := NewMap()
	assert.True(t, m.Configure(nil))
	assert.Equal(t, 0, m.Length())
	assert.False(t, m.IsStepInCurrentSchedule())
	assert.True(t, m.IsCurrentScheduleComplete())
}

func TestConfigureDeduplicatesByUUID(t *testing.T) {
	m := NewMap()
	require.True(t, m.Configure(configs("a", 10, "a", 10, "b", 20)))
	assert.Equal(t, 2, m.Length())
	assert.Len(t, m.Slots()[0].Steps, 2)
}

func TestConfigureRejectsOversizedMap(t *testing.T) {
	m := NewMap()
	require.True(t, m.Configure(configs("a", 10)))

	// two large coprime periods with gcd 1 give a huge LCM/GCD ratio
	ok := m.Configure(configs("a", 1000003, "b", 999983))
	assert.False(t, ok)
	assert.Equal(t, 0, m.Length(), "map must not be partially populated")
	assert.Equal(t, int64(0), m.CycleTime())
}

func TestConfigureRejectsOverflow(t *testing.T) {
	m := NewMap()
	ok := m.Configure(configs("a", 9223372036854775783, "b", 9223372036854775643))
	assert.False(t, ok)
	assert.Equal(t, 0, m.Length())
}

func TestMarkAndComplete(t *testing.T) {
	m := NewMap()
	require.True(t, m.Configure(configs("a", 10, "b", 20)))

	assert.True(t, m.IsConfiguredStepInCurrentSchedule())
	assert.False(t, m.IsCurrentScheduleComplete())

	assert.False(t, m.MarkStepForCurrentSchedule("unknown"))
	assert.True(t, m.MarkStepForCurrentSchedule("a"))
	assert.False(t, m.MarkStepForCurrentSchedule("a"), "second ack for the same slot is ignored")
	assert.False(t, m.IsCurrentScheduleComplete())
	assert.True(t, m.MarkStepForCurrentSchedule("b"))
	assert.True(t, m.IsCurrentScheduleComplete())

	// slot 1 only holds a
	m.IncrementCurrentSchedule()
	assert.Equal(t, 1, m.CurrentIndex())
	assert.False(t, m.MarkStepForCurrentSchedule("b"))
	assert.True(t, m.MarkStepForCurrentSchedule("a"))
	assert.True(t, m.IsCurrentScheduleComplete())

	// wrap around clears the old marks
	m.IncrementCurrentSchedule()
	assert.Equal(t, 0, m.CurrentIndex())
	assert.False(t, m.IsCurrentScheduleComplete())
}

func TestDummyEntryDoesNotBlockCompletion(t *testing.T) {
	m := NewMap()
	require.True(t, m.Configure(configs(types.DummyStepUUID, 10, "a", 30)))
	assert.Equal(t, 3, m.Length())

	// slot 0: dummy and a
	assert.True(t, m.IsConfiguredStepInCurrentSchedule())
	assert.False(t, m.IsCurrentScheduleComplete())
	m.MarkStepForCurrentSchedule("a")
	assert.True(t, m.IsCurrentScheduleComplete())

	// slot 1: dummy only
	m.IncrementCurrentSchedule()
	assert.True(t, m.IsStepInCurrentSchedule())
	assert.False(t, m.IsConfiguredStepInCurrentSchedule())
	assert.True(t, m.IsCurrentScheduleComplete())
}

func TestPrint(t *testing.T) {
	m := NewMap()
	require.True(t, m.Configure(configs("a", 10, types.DummyStepUUID, 20)))

	var buf bytes.Buffer
	m.Print(&buf)
	assert.Contains(t, buf.String(), "Schedule: 2 slots of 10 us")
	assert.Contains(t, buf.String(), "<dummy>")
}
