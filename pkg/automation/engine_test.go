package automation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStates struct {
	mu     sync.Mutex
	states map[string]map[string]any
}

func (f *fakeStates) DeviceState(ieee string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[ieee]
	return s, ok
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

type dispatchCall struct {
	ieee    string
	command string
	at      time.Time
}

func (f *fakeDispatcher) DispatchCommand(_ context.Context, ieee, command string, _ any, _ uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{ieee: ieee, command: command, at: time.Now()})
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

const (
	sensorIEEE = "00:11:22:33:44:55:66:77"
	bulbIEEE   = "aa:bb:cc:dd:ee:ff:00:11"
)

func newTestEngine(t *testing.T) (*Engine, *fakeStates, *fakeDispatcher) {
	t.Helper()
	states := &fakeStates{states: map[string]map[string]any{
		sensorIEEE: {},
		bulbIEEE:   {},
	}}
	disp := &fakeDispatcher{}
	e := NewEngine(filepath.Join(t.TempDir(), "automations.json"), states, disp, nil, nil)
	return e, states, disp
}

func motionRule(cooldown float64) *Rule {
	return &Rule{
		ID:         "r1",
		Name:       "motion light",
		Enabled:    true,
		SourceIEEE: sensorIEEE,
		Conditions: []Condition{
			{Attribute: "occupancy", Operator: "eq", Value: true},
		},
		TargetIEEE:      bulbIEEE,
		Action:          Action{Command: "on"},
		CooldownSeconds: cooldown,
	}
}

func waitForDispatches(t *testing.T, disp *fakeDispatcher, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return disp.count() >= want },
		time.Second, 5*time.Millisecond)
}

func TestRuleFiresOnMatchingDelta(t *testing.T) {
	e, _, disp := newTestEngine(t)
	require.NoError(t, e.AddRule(motionRule(5)))

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	waitForDispatches(t, disp, 1)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Equal(t, bulbIEEE, disp.calls[0].ieee)
	assert.Equal(t, "on", disp.calls[0].command)
}

func TestRuleSkipsUnreferencedField(t *testing.T) {
	e, _, disp := newTestEngine(t)
	require.NoError(t, e.AddRule(motionRule(5)))

	e.Evaluate(sensorIEEE, map[string]any{"battery": 80})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, disp.count())
}

func TestCooldownBlocksSecondFire(t *testing.T) {
	e, _, disp := newTestEngine(t)
	require.NoError(t, e.AddRule(motionRule(5)))

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	waitForDispatches(t, disp, 1)

	// Repeated crossings inside the cooldown window never fire again.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, disp.count())
}

func TestSustainDelaysFire(t *testing.T) {
	e, _, disp := newTestEngine(t)
	rule := motionRule(0)
	rule.Conditions[0].SustainSeconds = 0.2
	require.NoError(t, e.AddRule(rule))

	// First crossing arms the sustain timer, no fire yet.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, disp.count())

	// Still held before the sustain elapses: still waiting.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	time.Sleep(200 * time.Millisecond)

	// Held past the sustain: fires.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	waitForDispatches(t, disp, 1)
}

func TestSustainInterruptionResetsTimer(t *testing.T) {
	e, _, disp := newTestEngine(t)
	rule := motionRule(0)
	rule.Conditions[0].SustainSeconds = 0.2
	require.NoError(t, e.AddRule(rule))

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	// Interruption clears the first-crossing mark.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": false})
	time.Sleep(250 * time.Millisecond)

	// The next crossing starts a fresh sustain window: no fire yet.
	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, disp.count())
}

func TestPrerequisiteBlocksFire(t *testing.T) {
	e, states, disp := newTestEngine(t)
	rule := motionRule(0)
	rule.Prerequisites = []Prerequisite{
		{IEEE: bulbIEEE, Attribute: "state", Operator: "eq", Value: "OFF"},
	}
	require.NoError(t, e.AddRule(rule))

	states.mu.Lock()
	states.states[bulbIEEE]["state"] = "ON"
	states.mu.Unlock()

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, disp.count())

	states.mu.Lock()
	states.states[bulbIEEE]["state"] = "OFF"
	states.mu.Unlock()

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	waitForDispatches(t, disp, 1)
}

func TestRuleLimits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for i := 0; i < MaxRulesPerSource; i++ {
		rule := motionRule(0)
		rule.ID = string(rune('a' + i))
		require.NoError(t, e.AddRule(rule))
	}
	overflow := motionRule(0)
	overflow.ID = "overflow"
	assert.Error(t, e.AddRule(overflow))
}

func TestTraceRing(t *testing.T) {
	e, _, disp := newTestEngine(t)
	rule := motionRule(0)
	rule.CooldownSeconds = 0.001
	require.NoError(t, e.AddRule(rule))

	e.Evaluate(sensorIEEE, map[string]any{"occupancy": true})
	waitForDispatches(t, disp, 1)

	require.Eventually(t, func() bool { return len(e.Trace()) == 1 },
		time.Second, 5*time.Millisecond)
	entry := e.Trace()[0]
	assert.Equal(t, "r1", entry.RuleID)
	assert.True(t, entry.Success)
}

func TestCompareNormalisation(t *testing.T) {
	tests := []struct {
		name      string
		actual    any
		operator  string
		threshold any
		want      bool
	}{
		{"bool eq bool", true, "eq", true, true},
		{"bool eq ON string", true, "eq", "ON", true},
		{"bool eq OFF string", true, "eq", "OFF", false},
		{"ON string eq bool", "ON", "eq", true, true},
		{"numeric string threshold", 21.5, "gt", "20", true},
		{"numeric string actual", "22", "gte", 22, true},
		{"case-insensitive eq", "on", "eq", "ON", true},
		{"neq strings", "heat", "neq", "cool", true},
		{"true string to bool", "true", "eq", true, true},
		{"lt", 5.0, "lt", 10, true},
		{"lte equal", 10.0, "lte", 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compare(tt.actual, tt.operator, tt.threshold))
		})
	}
}

func TestValidateRejectsBadRules(t *testing.T) {
	bad := motionRule(0)
	bad.Conditions[0].Operator = "contains"
	assert.Error(t, bad.Validate())

	tooMany := motionRule(0)
	for i := 0; i < MaxConditionsPerRule+1; i++ {
		tooMany.Conditions = append(tooMany.Conditions, Condition{Attribute: "x", Operator: "eq", Value: 1})
	}
	assert.Error(t, tooMany.Validate())
}
