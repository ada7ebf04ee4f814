package api

import (
	"net/http"

	"github.com/flitsinc/storyforge/internal/state"
)

type roleEntry struct {
	Key      string              `json:"key"`
	Label    string              `json:"label"`
	Chain    []string            `json:"chain"`
	Override *state.RoleOverride `json:"override,omitempty"`
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Roles == nil || s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("roles"))
		return
	}
	overrides, err := s.Store.RoleOverrides(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := []roleEntry{}
	for _, info := range s.Roles.List() {
		entry := roleEntry{Key: info.Key, Label: info.Label, Chain: info.Chain}
		if o, ok := overrides[info.Key]; ok {
			entry.Override = &o
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRoleResolve reports the provider and model an agent with this role
// would use, and which role in the chain supplied them.
func (s *Server) handleRoleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Suite == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("agents"))
		return
	}
	res, err := s.Suite.Deps.ResolveRole(r.Context(), r.PathValue("role"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if res.Model == "" && s.Suite.Deps.Providers != nil {
		res.Model = s.Suite.Deps.Providers.DefaultModel(res.Provider)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRoleOverride(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	role := r.PathValue("role")
	if s.Roles != nil {
		if _, ok := s.Roles.Get(role); !ok {
			writeError(w, http.StatusNotFound, errNotFound("role "+role))
			return
		}
	}
	switch r.Method {
	case http.MethodPut:
		var payload struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		o, err := s.Store.SetRoleOverride(r.Context(), state.RoleOverride{Role: role, Provider: payload.Provider, Model: payload.Model})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case http.MethodDelete:
		if err := s.Store.DeleteRoleOverride(r.Context(), role); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}
