package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flitsinc/storyforge/internal/agentcontext"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/schema"
	"github.com/flitsinc/storyforge/internal/state"
)

// reportUsage publishes token totals. Providers that report no usage are
// skipped.
func (r *Runner) reportUsage(ctx context.Context, rn *run, outcome ai.Outcome, log *slog.Logger) {
	if outcome.Usage == nil {
		log.Debug("no usage reported", "provider", rn.model.Provider)
		return
	}
	usage := *outcome.Usage
	r.deps.Metrics.AddTokens(rn.model.Provider, rn.model.Model, usage.InputTokens, usage.OutputTokens)
	if r.deps.Bus == nil {
		return
	}
	_, err := r.deps.Bus.Push(ctx, eventbus.EventInput{
		Stream:  schema.StreamUsage,
		StoryID: rn.call.StoryID,
		Subject: rn.call.Agent,
		Body:    fmt.Sprintf("%d tokens", usage.Total()),
		Payload: map[string]any{
			schema.MetaAgent:    rn.call.Agent,
			schema.MetaRunID:    rn.runID,
			schema.MetaRole:     rn.model.Role,
			schema.MetaProvider: rn.model.Provider,
			schema.MetaModel:    rn.model.Model,
			"inputTokens":       usage.InputTokens,
			"outputTokens":      usage.OutputTokens,
		},
	})
	if err != nil {
		log.Debug("usage report failed", "err", err)
	}
}

type runOutput struct {
	Text         string `json:"text"`
	FinishReason string `json:"finishReason"`
	Steps        int    `json:"steps"`
}

// persist writes the single-entry run record for a streaming run and
// announces it on the runs stream.
func (r *Runner) persist(ctx context.Context, rn *run, outcome ai.Outcome, runErr error, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	finishedAt := time.Now().UTC()
	entry := state.TraceEntry{
		RunID:       rn.runID,
		ParentRunID: agentcontext.RunIDFromContext(ctx),
		RootRunID:   rn.runID,
		AgentName:   rn.call.Agent,
		StartedAt:   rn.startedAt,
		FinishedAt:  finishedAt,
		DurationMs:  finishedAt.Sub(rn.startedAt).Milliseconds(),
		Status:      state.RunStatusSuccess,
	}
	if runErr != nil {
		entry.Status = state.RunStatusError
		entry.Error = runErr.Error()
	} else {
		raw, err := json.Marshal(runOutput{Text: outcome.Text, FinishReason: outcome.FinishReason, Steps: outcome.Steps})
		if err == nil {
			entry.Output = &state.Snapshot{Kind: state.SnapshotJSON, Value: raw}
		}
	}
	rec := state.RunRecord{
		RootRunID:  rn.runID,
		RunID:      rn.runID,
		StoryID:    rn.call.StoryID,
		AgentName:  rn.call.Agent,
		Status:     entry.Status,
		Error:      entry.Error,
		StartedAt:  entry.StartedAt,
		FinishedAt: entry.FinishedAt,
		DurationMs: entry.DurationMs,
		Trace:      []state.TraceEntry{entry},
	}
	if err := r.deps.Store.SaveRunRecord(ctx, rec); err != nil {
		log.Warn("persist run record failed", "err", err)
		return
	}
	if r.deps.Bus == nil {
		return
	}
	if _, err := r.deps.Bus.Push(ctx, eventbus.EventInput{
		Stream:  schema.StreamRuns,
		StoryID: rec.StoryID,
		Subject: rec.AgentName,
		Body:    rec.Status,
		Payload: map[string]any{
			schema.MetaRunID:  rec.RootRunID,
			schema.MetaAgent:  rec.AgentName,
			schema.MetaStatus: rec.Status,
			"durationMs":      rec.DurationMs,
		},
	}); err != nil {
		log.Debug("run notification failed", "err", err)
	}
}
