package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/state"
)

// traceRingSize bounds the execution trace.
const traceRingSize = 100

// DeviceStates supplies device state lookups; the gateway implements it.
type DeviceStates interface {
	DeviceState(ieee string) (map[string]any, bool)
}

// CommandDispatcher executes a rule's action against the target device.
type CommandDispatcher interface {
	DispatchCommand(ctx context.Context, ieee string, command string, value any, endpointID uint8) error
}

// EventEmitter publishes automation_triggered events.
type EventEmitter func(eventType string, data map[string]any)

// TraceEntry records one rule execution attempt.
type TraceEntry struct {
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name"`
	Source    string `json:"source_ieee"`
	Target    string `json:"target_ieee"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Engine evaluates threshold rules on every state delta: sustain windows,
// prerequisites, per-rule cooldowns and delayed actions.
type Engine struct {
	mu sync.Mutex

	path  string
	rules map[string]*Rule
	// bySource indexes enabled rules for O(1) dispatch per delta.
	bySource map[string][]*Rule

	// sustainMarks stores first-crossing timestamps keyed by rule id and
	// condition index; any non-matching evaluation clears the mark.
	sustainMarks map[string]time.Time

	// lastFired enforces per-rule cooldown.
	lastFired map[string]time.Time

	trace []TraceEntry

	states   DeviceStates
	disp     CommandDispatcher
	emit     EventEmitter
	normIEEE func(string) string
}

// NewEngine loads automations.json and builds the source index.
func NewEngine(path string, states DeviceStates, disp CommandDispatcher, emit EventEmitter, normalizeIEEE func(string) string) *Engine {
	e := &Engine{
		path:         path,
		rules:        make(map[string]*Rule),
		bySource:     make(map[string][]*Rule),
		sustainMarks: make(map[string]time.Time),
		lastFired:    make(map[string]time.Time),
		states:       states,
		disp:         disp,
		emit:         emit,
		normIEEE:     normalizeIEEE,
	}
	if e.normIEEE == nil {
		e.normIEEE = func(s string) string { return s }
	}

	var f rulesFile
	if err := state.LoadJSON(path, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load automation rules")
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			log.Warn().Err(err).Msg("Skipping invalid automation rule")
			continue
		}
		r.SourceIEEE = e.normIEEE(r.SourceIEEE)
		r.TargetIEEE = e.normIEEE(r.TargetIEEE)
		e.rules[r.ID] = r
	}
	e.rebuildIndexLocked()
	log.Info().Int("rules", len(e.rules)).Msg("Automation engine loaded")
	return e
}

func (e *Engine) rebuildIndexLocked() {
	e.bySource = make(map[string][]*Rule)
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		e.bySource[r.SourceIEEE] = append(e.bySource[r.SourceIEEE], r)
	}
}

func (e *Engine) saveLocked() error {
	f := rulesFile{Rules: make([]*Rule, 0, len(e.rules))}
	for _, r := range e.rules {
		f.Rules = append(f.Rules, r)
	}
	return state.SaveJSON(e.path, f)
}

// AddRule validates, stores and persists a rule.
func (e *Engine) AddRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.SourceIEEE = e.normIEEE(r.SourceIEEE)
	r.TargetIEEE = e.normIEEE(r.TargetIEEE)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	count := 0
	for _, existing := range e.rules {
		if existing.SourceIEEE == r.SourceIEEE {
			count++
		}
	}
	if count >= MaxRulesPerSource {
		return fmt.Errorf("too many rules for source %s (max %d)", r.SourceIEEE, MaxRulesPerSource)
	}
	e.rules[r.ID] = r
	e.rebuildIndexLocked()
	return e.saveLocked()
}

// UpdateRule replaces a rule by id and persists.
func (e *Engine) UpdateRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.SourceIEEE = e.normIEEE(r.SourceIEEE)
	r.TargetIEEE = e.normIEEE(r.TargetIEEE)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; !exists {
		return fmt.Errorf("rule %s not found", r.ID)
	}
	e.rules[r.ID] = r
	e.rebuildIndexLocked()
	return e.saveLocked()
}

// DeleteRule removes a rule and persists.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[id]; !exists {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(e.rules, id)
	for key := range e.sustainMarks {
		if len(key) > len(id) && key[:len(id)] == id {
			delete(e.sustainMarks, key)
		}
	}
	e.rebuildIndexLocked()
	return e.saveLocked()
}

// Rules returns all rules, optionally filtered by source.
func (e *Engine) Rules(sourceIEEE string) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Rule
	for _, r := range e.rules {
		if sourceIEEE == "" || r.SourceIEEE == e.normIEEE(sourceIEEE) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// Trace returns the bounded execution trace, most recent last.
func (e *Engine) Trace() []TraceEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TraceEntry, len(e.trace))
	copy(out, e.trace)
	return out
}

func sustainKey(ruleID string, conditionIdx int) string {
	return fmt.Sprintf("%s#%d", ruleID, conditionIdx)
}

// Evaluate runs on every state delta the gateway emits. The full device state
// backs the changed delta so multi-condition rules see a complete picture.
func (e *Engine) Evaluate(sourceIEEE string, changed map[string]any) {
	canonical := e.normIEEE(sourceIEEE)

	e.mu.Lock()
	candidates := e.bySource[canonical]
	e.mu.Unlock()
	if len(candidates) == 0 {
		return
	}

	// Skip rules whose conditions never reference a changed field.
	fullState, _ := e.states.DeviceState(canonical)
	merged := make(map[string]any, len(fullState)+len(changed))
	for k, v := range fullState {
		merged[k] = v
	}
	for k, v := range changed {
		merged[k] = v
	}

	now := time.Now()
	for _, rule := range candidates {
		references := false
		for _, c := range rule.Conditions {
			if _, ok := changed[c.Attribute]; ok {
				references = true
				break
			}
		}
		if !references {
			continue
		}
		e.evaluateRule(rule, merged, now)
	}
}

func (e *Engine) evaluateRule(rule *Rule, stateMap map[string]any, now time.Time) {
	// Conditions in order, short-circuit failure, sustain edge semantics.
	for idx, cond := range rule.Conditions {
		actual, present := stateMap[cond.Attribute]
		match := present && compare(actual, cond.Operator, cond.Value)

		key := sustainKey(rule.ID, idx)
		if !match {
			e.mu.Lock()
			delete(e.sustainMarks, key)
			e.mu.Unlock()
			return
		}
		if cond.SustainSeconds > 0 {
			e.mu.Lock()
			first, seen := e.sustainMarks[key]
			if !seen {
				e.sustainMarks[key] = now
				e.mu.Unlock()
				return // sustain wait starts now
			}
			elapsed := now.Sub(first)
			e.mu.Unlock()
			if elapsed < time.Duration(cond.SustainSeconds*float64(time.Second)) {
				return // still waiting
			}
		}
	}

	// Prerequisites against other devices' current state.
	for _, prereq := range rule.Prerequisites {
		other, ok := e.states.DeviceState(e.normIEEE(prereq.IEEE))
		if !ok {
			return
		}
		actual, present := other[prereq.Attribute]
		if !present || !compare(actual, prereq.Operator, prereq.Value) {
			return
		}
	}

	// Cooldown.
	cooldown := rule.CooldownSeconds
	if cooldown <= 0 {
		cooldown = DefaultCooldownSeconds
	}
	e.mu.Lock()
	if last, ok := e.lastFired[rule.ID]; ok && now.Sub(last) < time.Duration(cooldown*float64(time.Second)) {
		e.mu.Unlock()
		return
	}
	e.lastFired[rule.ID] = now
	// Clear sustain marks so the next fire needs a fresh crossing.
	for idx := range rule.Conditions {
		delete(e.sustainMarks, sustainKey(rule.ID, idx))
	}
	e.mu.Unlock()

	go e.execute(rule)
}

func (e *Engine) execute(rule *Rule) {
	if rule.Action.DelaySeconds > 0 {
		time.Sleep(time.Duration(rule.Action.DelaySeconds * float64(time.Second)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.disp.DispatchCommand(ctx, rule.TargetIEEE, rule.Action.Command, rule.Action.Value, rule.Action.EndpointID)

	entry := TraceEntry{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Source:    rule.SourceIEEE,
		Target:    rule.TargetIEEE,
		Command:   rule.Action.Command,
		Success:   err == nil,
		Timestamp: time.Now().UnixMilli(),
	}
	if err != nil {
		entry.Error = err.Error()
		log.Warn().
			Err(err).
			Str("rule", rule.ID).
			Str("target", rule.TargetIEEE).
			Msg("Automation action failed")
	} else {
		log.Info().
			Str("rule", rule.ID).
			Str("name", rule.Name).
			Str("target", rule.TargetIEEE).
			Str("command", rule.Action.Command).
			Msg("Automation triggered")
	}

	e.mu.Lock()
	e.trace = append(e.trace, entry)
	if len(e.trace) > traceRingSize {
		e.trace = e.trace[len(e.trace)-traceRingSize:]
	}
	e.mu.Unlock()

	if e.emit != nil {
		e.emit("automation_triggered", map[string]any{
			"rule_id": rule.ID,
			"name":    rule.Name,
			"source":  rule.SourceIEEE,
			"target":  rule.TargetIEEE,
			"command": rule.Action.Command,
			"success": err == nil,
		})
	}
}
