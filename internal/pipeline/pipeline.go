// Package pipeline is the shared streaming runner behind every long-running
// agent. Each agent is a Config; Runner.Run executes the same ordered stages
// for all of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/storyforge/internal/agentcontext"
	"github.com/flitsinc/storyforge/internal/agenttools"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/idgen"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
)

const (
	StageValidateStory   = "validate-story"
	StageValidateInput   = "validate-input"
	StageResolveModel    = "resolve-model"
	StageBaseContext     = "base-context"
	StageExtendContext   = "extend-context"
	StageBuildTools      = "build-tools"
	StageCompileContext  = "compile-context"
	StageExtractMessages = "extract-messages"
	StageCreateSession   = "create-session"
	StageStream          = "stream"
	StageReportUsage     = "report-usage"
	StagePersistTrace    = "persist-trace"
	StageReturnResult    = "return-result"
)

// Stages is the canonical stage order. base-context is skipped for agents
// that do not request it.
var Stages = []string{
	StageValidateStory,
	StageValidateInput,
	StageResolveModel,
	StageBaseContext,
	StageExtendContext,
	StageBuildTools,
	StageCompileContext,
	StageExtractMessages,
	StageCreateSession,
	StageStream,
	StageReportUsage,
	StagePersistTrace,
	StageReturnResult,
}

const DefaultMaxSteps = 5

// Call is what the agent hooks see of the current run.
type Call struct {
	StoryID string
	Agent   string
	Input   any
	Story   *prompt.StoryContext
}

type ToolMode int

const (
	ToolsReadOnly ToolMode = iota
	ToolsReadWrite
	ToolsNone
)

// Config describes one streaming agent.
type Config struct {
	Agent       string
	Role        string
	MaxSteps    int
	ToolChoice  ai.ToolChoice
	BaseContext bool
	Tools       ToolMode

	// Validate checks the raw input and returns the parsed value hooks see.
	Validate func(input any) (any, error)
	// ExtendContext adds agent-specific fields to the block context.
	ExtendContext func(ctx context.Context, call Call) (map[string]any, error)
	// ExtraTools appends agent-specific tools to the fragment tools.
	ExtraTools func(call Call) []ai.Tool
	// ShapeMessages rewrites the compiled conversation before the model sees it.
	ShapeMessages func(call Call, messages []ai.Message) []ai.Message
}

// Store is the storage the pipeline reads stories, fragments and role
// overrides from and writes run records to.
type Store interface {
	prompt.StorySource
	agenttools.FragmentStore
	RoleOverrides(ctx context.Context) (map[string]state.RoleOverride, error)
	SaveRunRecord(ctx context.Context, rec state.RunRecord) error
}

// Publisher receives usage and run notifications.
type Publisher interface {
	Push(ctx context.Context, input eventbus.EventInput) (eventbus.Event, error)
}

type Deps struct {
	Store     Store
	Compiler  *prompt.Compiler
	Roles     *ai.Roles
	Providers *ai.Providers
	// Default is used when no role in the fallback chain is overridden.
	Default ai.ModelChoice
	// RoleDefaults are configured role choices; stored overrides win.
	RoleDefaults map[string]ai.ModelChoice
	Bus          Publisher
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

type Options struct {
	MaxSteps int `json:"maxSteps,omitempty"`
}

// Runner executes a Config. It is safe for concurrent use.
type Runner struct {
	cfg  Config
	deps Deps

	background sync.WaitGroup
}

func New(cfg Config, deps Deps) *Runner {
	if cfg.Role == "" {
		cfg.Role = cfg.Agent
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ToolChoice == "" {
		cfg.ToolChoice = ai.ToolChoiceAuto
	}
	return &Runner{cfg: cfg, deps: deps}
}

func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) logger() *slog.Logger {
	if r.deps.Logger != nil {
		return r.deps.Logger
	}
	return slog.Default()
}

// Flush waits for every started run to settle and finish reporting usage.
// Runs whose events are neither drained nor cancelled keep it waiting.
func (r *Runner) Flush() {
	r.background.Wait()
}

// StageError reports the stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is a running stream. Events must be drained, or the run's context
// cancelled, for Wait to return.
type Result struct {
	RunID  string
	Model  ai.Resolution
	Stages []string

	stream  *ai.Stream
	done    chan struct{}
	outcome ai.Outcome
	err     error
}

func (res *Result) Events() <-chan ai.Event {
	return res.stream.Events()
}

// Wait blocks until the stream settles and its run record is written.
func (res *Result) Wait() (ai.Outcome, error) {
	<-res.done
	return res.outcome, res.err
}

// OpaqueOutput keeps live streams out of serialized traces.
func (res *Result) OpaqueOutput() {}

type run struct {
	runner    *Runner
	call      Call
	runID     string
	startedAt time.Time
	stages    []string
	model     ai.Resolution
}

// stage records name and runs fn inside its own span.
func (rn *run) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	rn.stages = append(rn.stages, name)
	ctx, span := telemetry.StartStage(ctx, rn.call.Agent, name)
	err := fn(ctx)
	telemetry.End(span, err)
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// Run executes the stages up to and including starting the stream. Errors
// before the stream starts are returned directly; later failures surface
// through Result.Wait.
func (r *Runner) Run(ctx context.Context, storyID string, input any, opts Options) (*Result, error) {
	rn := &run{
		runner:    r,
		call:      Call{StoryID: storyID, Agent: r.cfg.Agent, Input: input},
		runID:     idgen.RunID(),
		startedAt: time.Now().UTC(),
	}
	ctx = agentcontext.WithStoryID(ctx, storyID)
	ctx = agentcontext.WithAgentName(ctx, r.cfg.Agent)
	log := r.logger().With("agent", r.cfg.Agent, "story_id", storyID, "run_id", rn.runID)

	res, err := rn.start(ctx, opts, log)
	if err != nil {
		log.Debug("streaming run failed before stream", "err", err)
		r.deps.Metrics.PipelineRun(r.cfg.Agent, state.RunStatusError)
		r.persist(ctx, rn, ai.Outcome{}, err, log)
		return nil, err
	}
	return res, nil
}

func (rn *run) start(ctx context.Context, opts Options, log *slog.Logger) (*Result, error) {
	r := rn.runner
	cfg := r.cfg

	if err := rn.stage(ctx, StageValidateStory, func(ctx context.Context) error {
		_, err := r.deps.Store.GetStory(ctx, rn.call.StoryID)
		return err
	}); err != nil {
		return nil, err
	}

	if err := rn.stage(ctx, StageValidateInput, func(ctx context.Context) error {
		if cfg.Validate == nil {
			return nil
		}
		parsed, err := cfg.Validate(rn.call.Input)
		if err != nil {
			return err
		}
		rn.call.Input = parsed
		return nil
	}); err != nil {
		return nil, err
	}

	var provider ai.Provider
	var model string
	if err := rn.stage(ctx, StageResolveModel, func(ctx context.Context) error {
		var err error
		rn.model, err = r.resolveModel(ctx)
		if err != nil {
			return err
		}
		provider, model, err = r.deps.Providers.Select(rn.model.ModelChoice)
		rn.model.Model = model
		return err
	}); err != nil {
		return nil, err
	}

	if cfg.BaseContext {
		if err := rn.stage(ctx, StageBaseContext, func(ctx context.Context) error {
			sc, err := prompt.BuildStoryContext(ctx, r.deps.Store, rn.call.StoryID)
			if err != nil {
				return err
			}
			rn.call.Story = &sc
			return nil
		}); err != nil {
			return nil, err
		}
	}

	bctx := prompt.BlockContext{StoryID: rn.call.StoryID, Agent: cfg.Agent, Story: rn.call.Story}
	if err := rn.stage(ctx, StageExtendContext, func(ctx context.Context) error {
		if cfg.ExtendContext == nil {
			return nil
		}
		extra, err := cfg.ExtendContext(ctx, rn.call)
		if err != nil {
			return err
		}
		bctx.Extra = extra
		return nil
	}); err != nil {
		return nil, err
	}

	var tools []ai.Tool
	if err := rn.stage(ctx, StageBuildTools, func(ctx context.Context) error {
		tools = r.tools(rn.call)
		return nil
	}); err != nil {
		return nil, err
	}

	var compiled prompt.Compiled
	if err := rn.stage(ctx, StageCompileContext, func(ctx context.Context) error {
		var err error
		compiled, err = r.deps.Compiler.CompileAgentContext(ctx, rn.call.StoryID, cfg.Agent, bctx, tools)
		return err
	}); err != nil {
		return nil, err
	}

	var system string
	var messages []ai.Message
	if err := rn.stage(ctx, StageExtractMessages, func(ctx context.Context) error {
		system, messages = prompt.SplitMessages(compiled.Messages)
		if cfg.ShapeMessages != nil {
			messages = cfg.ShapeMessages(rn.call, messages)
		}
		if len(messages) == 0 {
			return errors.New("compiled context has no user message")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var session *ai.Session
	if err := rn.stage(ctx, StageCreateSession, func(ctx context.Context) error {
		maxSteps := cfg.MaxSteps
		if opts.MaxSteps > 0 {
			maxSteps = opts.MaxSteps
		}
		session = &ai.Session{
			Provider:   provider,
			Model:      model,
			System:     system,
			Tools:      compiled.Tools,
			MaxSteps:   maxSteps,
			ToolChoice: cfg.ToolChoice,
			Logger:     log,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	res := &Result{RunID: rn.runID, Model: rn.model, done: make(chan struct{})}
	_ = rn.stage(ctx, StageStream, func(ctx context.Context) error {
		res.stream = session.Stream(ctx, messages)
		return nil
	})
	rn.stages = append(rn.stages, StageReportUsage, StagePersistTrace)

	r.background.Add(1)
	go rn.settle(ctx, res, log)

	rn.stages = append(rn.stages, StageReturnResult)
	res.Stages = append([]string(nil), rn.stages...)
	log.Debug("streaming run started", "provider", rn.model.Provider, "model", model, "role_source", rn.model.Source, "tools", len(compiled.Tools))
	return res, nil
}

// settle waits for the stream, reports usage in the background and persists
// the run record before releasing Wait.
func (rn *run) settle(ctx context.Context, res *Result, log *slog.Logger) {
	r := rn.runner
	defer r.background.Done()
	outcome, err := res.stream.Wait()

	status := state.RunStatusSuccess
	if err != nil {
		status = state.RunStatusError
	}
	r.deps.Metrics.PipelineRun(r.cfg.Agent, status)

	// The settle count is held here, so this Add cannot race Flush.
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		r.reportUsage(context.WithoutCancel(ctx), rn, outcome, log)
	}()

	r.persist(ctx, rn, outcome, err, log)
	res.outcome, res.err = outcome, err
	close(res.done)
}

func (r *Runner) resolveModel(ctx context.Context) (ai.Resolution, error) {
	return r.deps.ResolveRole(ctx, r.cfg.Role)
}

// ResolveRole resolves role against the configured role defaults overlaid
// with the stored overrides.
func (d Deps) ResolveRole(ctx context.Context, role string) (ai.Resolution, error) {
	overrides := make(map[string]ai.ModelChoice, len(d.RoleDefaults))
	for key, choice := range d.RoleDefaults {
		overrides[key] = choice
	}
	stored, err := d.Store.RoleOverrides(ctx)
	if err != nil {
		return ai.Resolution{}, err
	}
	for key, o := range stored {
		overrides[key] = ai.ModelChoice{Provider: o.Provider, Model: o.Model}
	}
	return d.Roles.Resolve(role, overrides, d.Default)
}
