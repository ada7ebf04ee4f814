package agentcontext

import "context"

type contextKey string

const (
	storyIDKey   contextKey = "story_id"
	runIDKey     contextKey = "run_id"
	rootRunIDKey contextKey = "root_run_id"
	agentKey     contextKey = "agent_name"
)

func WithStoryID(ctx context.Context, storyID string) context.Context {
	return withString(ctx, storyIDKey, storyID)
}

func StoryIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, storyIDKey)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, runIDKey)
}

func WithRootRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, rootRunIDKey, runID)
}

func RootRunIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, rootRunIDKey)
}

func WithAgentName(ctx context.Context, name string) context.Context {
	return withString(ctx, agentKey, name)
}

func AgentNameFromContext(ctx context.Context) string {
	return stringFrom(ctx, agentKey)
}

func withString(ctx context.Context, key contextKey, val string) context.Context {
	if val == "" {
		return ctx
	}
	return context.WithValue(ctx, key, val)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
