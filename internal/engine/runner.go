package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flitsinc/storyforge/internal/agentcontext"
	"github.com/flitsinc/storyforge/internal/idgen"
	"github.com/flitsinc/storyforge/internal/schema"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
)

const (
	DefaultMaxDepth = 3
	DefaultMaxCalls = 20
	DefaultTimeout  = 5 * time.Minute
)

// Options bound one root invocation. Zero fields fall back to the runner's
// defaults.
type Options struct {
	MaxDepth int           `json:"maxDepth,omitempty"`
	MaxCalls int           `json:"maxCalls,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

func (o Options) merge(fallback Options) Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = fallback.MaxDepth
	}
	if o.MaxCalls <= 0 {
		o.MaxCalls = fallback.MaxCalls
	}
	if o.Timeout <= 0 {
		o.Timeout = fallback.Timeout
	}
	return o
}

// Opaque marks outputs that are recorded in traces by type name only, such
// as live event streams. The context passed to Run is left open when Run
// returns an Opaque output, so the stream ends with the caller's context.
type Opaque interface {
	OpaqueOutput()
}

type TraceStore interface {
	SaveRunRecord(ctx context.Context, rec state.RunRecord) error
}

// RuntimeState is shared by every invocation under one root call.
type RuntimeState struct {
	mu        sync.Mutex
	rootRunID string
	storyID   string
	stack     []string
	callCount int
	trace     []state.TraceEntry
	opts      Options
}

func (s *RuntimeState) Trace() []state.TraceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]state.TraceEntry(nil), s.trace...)
}

func (s *RuntimeState) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *RuntimeState) Stack() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stack...)
}

// admit runs the limit gates and, when they pass, pushes name and counts the
// call. caller is nil for the root invocation.
func (s *RuntimeState) admit(name string, depth int, caller *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callCount >= s.opts.MaxCalls {
		return &LimitError{Kind: LimitCalls, Agent: name, Limit: s.opts.MaxCalls}
	}
	if depth > s.opts.MaxDepth {
		return &LimitError{Kind: LimitDepth, Agent: name, Limit: s.opts.MaxDepth}
	}
	for _, active := range s.stack {
		if active == name {
			path := append(append([]string(nil), s.stack...), name)
			return &LimitError{Kind: LimitCycle, Agent: name, Path: path}
		}
	}
	if caller != nil && !caller.allows(name) {
		return &LimitError{Kind: LimitNotAllowed, Agent: name, Caller: caller.Name}
	}
	s.stack = append(s.stack, name)
	s.callCount++
	return nil
}

func (s *RuntimeState) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == name {
			s.stack = append(s.stack[:i], s.stack[i+1:]...)
			return
		}
	}
}

func (s *RuntimeState) record(entry state.TraceEntry) {
	s.mu.Lock()
	s.trace = append(s.trace, entry)
	s.mu.Unlock()
}

// Invocation is handed to a running agent. Nested calls go through Invoke so
// they share the root's RuntimeState.
type Invocation struct {
	RunID       string
	ParentRunID string
	RootRunID   string
	StoryID     string
	Agent       string
	Depth       int

	runner *Runner
	def    Definition
	state  *RuntimeState
}

func (inv *Invocation) Invoke(ctx context.Context, name string, input any) (any, error) {
	return inv.runner.invoke(ctx, inv.state, name, input, inv.Depth+1, inv.RunID, &inv.def)
}

func (inv *Invocation) State() *RuntimeState { return inv.state }

// InvokeAs invokes a nested agent and decodes its output into T.
func InvokeAs[T any](ctx context.Context, inv *Invocation, name string, input any) (T, error) {
	out, err := inv.Invoke(ctx, name, input)
	if err != nil {
		var zero T
		return zero, err
	}
	return schema.Decode[T](out)
}

type InvokeArgs struct {
	StoryID   string
	AgentName string
	Input     any
	Options   Options
}

type Result struct {
	RunID     string             `json:"runId"`
	RootRunID string             `json:"rootRunId"`
	Output    any                `json:"output"`
	Trace     []state.TraceEntry `json:"trace"`
}

type Runner struct {
	Registry *Registry
	Store    TraceStore
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Defaults Options
}

func NewRunner(registry *Registry, store TraceStore, logger *slog.Logger) *Runner {
	return &Runner{Registry: registry, Store: store, Logger: logger}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) defaults() Options {
	return r.Defaults.merge(Options{
		MaxDepth: DefaultMaxDepth,
		MaxCalls: DefaultMaxCalls,
		Timeout:  DefaultTimeout,
	})
}

// Invoke executes one root invocation and persists its run record whether
// or not it succeeds.
func (r *Runner) Invoke(ctx context.Context, args InvokeArgs) (Result, error) {
	rs := &RuntimeState{
		rootRunID: idgen.RunID(),
		storyID:   args.StoryID,
		opts:      args.Options.merge(r.defaults()),
	}
	ctx = agentcontext.WithStoryID(ctx, args.StoryID)
	ctx = agentcontext.WithRootRunID(ctx, rs.rootRunID)

	output, err := r.invoke(ctx, rs, args.AgentName, args.Input, 0, "", nil)

	trace := rs.Trace()
	sort.SliceStable(trace, func(i, j int) bool {
		return trace[i].StartedAt.Before(trace[j].StartedAt)
	})
	rec := buildRecord(rs, args, trace, err)
	r.persist(ctx, rec)

	return Result{RunID: rec.RunID, RootRunID: rs.rootRunID, Output: output, Trace: trace}, err
}

func buildRecord(rs *RuntimeState, args InvokeArgs, trace []state.TraceEntry, err error) state.RunRecord {
	rec := state.RunRecord{
		RootRunID: rs.rootRunID,
		StoryID:   args.StoryID,
		AgentName: args.AgentName,
		Status:    state.RunStatusSuccess,
		Trace:     trace,
	}
	if err != nil {
		rec.Status = state.RunStatusError
		rec.Error = err.Error()
	}
	if len(trace) == 0 {
		now := time.Now().UTC()
		rec.StartedAt, rec.FinishedAt = now, now
		return rec
	}
	rec.StartedAt = trace[0].StartedAt
	rec.FinishedAt = trace[0].FinishedAt
	for _, entry := range trace {
		if entry.ParentRunID == "" && rec.RunID == "" {
			rec.RunID = entry.RunID
		}
		if entry.FinishedAt.After(rec.FinishedAt) {
			rec.FinishedAt = entry.FinishedAt
		}
	}
	rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	return rec
}

func (r *Runner) persist(ctx context.Context, rec state.RunRecord) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveRunRecord(context.WithoutCancel(ctx), rec); err != nil {
		r.logger().Warn("persist run record failed", "root_run_id", rec.RootRunID, "agent", rec.AgentName, "err", err)
	}
}

type runOutcome struct {
	output any
	err    error
}

func (r *Runner) invoke(ctx context.Context, rs *RuntimeState, name string, input any, depth int, parentRunID string, caller *Definition) (any, error) {
	def, ok := r.Registry.Get(name)
	if !ok {
		return nil, &ConfigError{Agent: name}
	}
	if err := rs.admit(name, depth, caller); err != nil {
		var limitErr *LimitError
		if errors.As(err, &limitErr) {
			r.Metrics.Rejected(name, limitErr.Kind)
		}
		r.logger().Warn("agent invocation rejected", "agent", name, "depth", depth, "err", err)
		return nil, err
	}
	defer rs.release(name)

	runID := idgen.RunID()
	startedAt := time.Now().UTC()
	entry := state.TraceEntry{
		RunID:       runID,
		ParentRunID: parentRunID,
		RootRunID:   rs.rootRunID,
		AgentName:   name,
		StartedAt:   startedAt,
	}

	ctx, span := telemetry.StartInvocation(ctx, name, runID, depth)
	log := r.logger().With("agent", name, "run_id", runID, "depth", depth)
	log.Debug("agent invocation started")

	output, err := r.execute(ctx, rs, def, input, runID, parentRunID, depth)

	entry.FinishedAt = time.Now().UTC()
	entry.DurationMs = entry.FinishedAt.Sub(startedAt).Milliseconds()
	if err != nil {
		entry.Status = state.RunStatusError
		entry.Error = err.Error()
	} else {
		entry.Status = state.RunStatusSuccess
		entry.Output = Snapshot(output)
	}
	rs.record(entry)
	telemetry.End(span, err)
	r.Metrics.ObserveInvocation(name, entry.Status, entry.FinishedAt.Sub(startedAt))
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		r.Metrics.Rejected(name, "timeout")
	}
	log.Debug("agent invocation finished", "status", entry.Status, "duration_ms", entry.DurationMs)

	if err != nil {
		return nil, err
	}
	return output, nil
}

func (r *Runner) execute(ctx context.Context, rs *RuntimeState, def Definition, input any, runID, parentRunID string, depth int) (result any, err error) {
	parsed := input
	if def.InputSchema != nil {
		validated, err := def.InputSchema.Validate(input)
		if err != nil {
			return nil, &ValidationError{Agent: def.Name, Phase: PhaseInput, Err: err}
		}
		parsed = validated
	}

	inv := &Invocation{
		RunID:       runID,
		ParentRunID: parentRunID,
		RootRunID:   rs.rootRunID,
		StoryID:     rs.storyID,
		Agent:       def.Name,
		Depth:       depth,
		runner:      r,
		def:         def,
		state:       rs,
	}

	runCtx, cancel := context.WithCancel(agentcontext.WithAgentName(agentcontext.WithRunID(ctx, runID), def.Name))
	defer func() {
		// Only a live output returned without error keeps runCtx.
		if _, live := result.(Opaque); !live || err != nil {
			cancel()
		}
	}()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runOutcome{err: fmt.Errorf("agent %q panicked: %v", def.Name, p)}
			}
		}()
		out, err := def.Run(runCtx, inv, parsed)
		done <- runOutcome{output: out, err: err}
	}()

	timer := time.NewTimer(rs.opts.Timeout)
	defer timer.Stop()

	var outcome runOutcome
	select {
	case outcome = <-done:
	case <-timer.C:
		return nil, &TimeoutError{Agent: def.Name, Limit: rs.opts.Timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if outcome.err != nil {
		return nil, outcome.err
	}

	if def.OutputSchema != nil {
		if _, err := def.OutputSchema.Validate(outcome.output); err != nil {
			return nil, &ValidationError{Agent: def.Name, Phase: PhaseOutput, Err: err}
		}
	}
	return outcome.output, nil
}

// Snapshot captures output for a trace entry. Outputs that are Opaque or
// cannot be encoded are recorded by type name.
func Snapshot(output any) *state.Snapshot {
	if output == nil {
		return nil
	}
	if _, ok := output.(Opaque); ok {
		return &state.Snapshot{Kind: state.SnapshotOpaque, Type: fmt.Sprintf("%T", output)}
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return &state.Snapshot{Kind: state.SnapshotOpaque, Type: fmt.Sprintf("%T", output)}
	}
	return &state.Snapshot{Kind: state.SnapshotJSON, Value: raw}
}
