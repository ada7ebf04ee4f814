package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/storyforge/internal/state"
)

type DiagnosticsInfo struct {
	HTTPAddr        string   `json:"http_addr"`
	DataDir         string   `json:"data_dir"`
	DBPath          string   `json:"db_path"`
	DefaultProvider string   `json:"default_provider"`
	DefaultModel    string   `json:"default_model,omitempty"`
	Providers       []string `json:"providers"`
}

// RoleHealth is where one model role currently resolves. Error is set when
// no provider in the role's chain is usable.
type RoleHealth struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`
}

type DiagnosticsResponse struct {
	Time          time.Time             `json:"time"`
	StartedAt     time.Time             `json:"started_at"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	GoVersion     string                `json:"go_version"`
	SchemaVersion int                   `json:"schema_version"`
	Info          DiagnosticsInfo       `json:"info"`
	Subscribers   int                   `json:"subscribers"`
	Agents        []string              `json:"agents"`
	Roles         map[string]RoleHealth `json:"roles"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ctx := r.Context()
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Agents:        []string{},
		Roles:         map[string]RoleHealth{},
	}
	if s.Store != nil {
		if v, err := state.SchemaVersion(ctx, s.Store.DB()); err == nil {
			resp.SchemaVersion = v
		}
	}
	if s.Bus != nil {
		resp.Subscribers = s.Bus.SubscriberCount()
	}
	if s.Suite != nil {
		resp.Agents = s.Suite.Registry.Names()
		if s.Roles != nil {
			for _, info := range s.Roles.List() {
				res, err := s.Suite.Deps.ResolveRole(ctx, info.Key)
				if err != nil {
					resp.Roles[info.Key] = RoleHealth{Error: err.Error()}
					continue
				}
				if res.Model == "" && s.Suite.Deps.Providers != nil {
					res.Model = s.Suite.Deps.Providers.DefaultModel(res.Provider)
				}
				resp.Roles[info.Key] = RoleHealth{Provider: res.Provider, Model: res.Model, Source: res.Source}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
