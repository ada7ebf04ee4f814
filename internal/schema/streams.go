package schema

const (
	StreamUsage = "usage"
	StreamRuns  = "runs"
)

// LiveStreams are the streams forwarded to live subscribers.
var LiveStreams = []string{StreamUsage, StreamRuns}

const (
	MetaStoryID  = "story_id"
	MetaAgent    = "agent"
	MetaRunID    = "run_id"
	MetaRole     = "role"
	MetaProvider = "provider"
	MetaModel    = "model"
	MetaStatus   = "status"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	str, _ := meta[key].(string)
	return str
}
