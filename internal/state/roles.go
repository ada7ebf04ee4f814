package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RoleOverride pins a model role to a provider and optional model.
type RoleOverride struct {
	Role      string    `json:"role"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) RoleOverrides(ctx context.Context) (map[string]RoleOverride, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, provider, model, updated_at FROM role_overrides`)
	if err != nil {
		return nil, fmt.Errorf("list role overrides: %w", err)
	}
	defer rows.Close()

	out := map[string]RoleOverride{}
	for rows.Next() {
		var o RoleOverride
		var model *string
		var updatedAt string
		if err := rows.Scan(&o.Role, &o.Provider, &model, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan role override: %w", err)
		}
		if model != nil {
			o.Model = *model
		}
		o.UpdatedAt = parseTime(updatedAt)
		out[o.Role] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role overrides: %w", err)
	}
	return out, nil
}

func (s *Store) SetRoleOverride(ctx context.Context, o RoleOverride) (RoleOverride, error) {
	o.Role = strings.TrimSpace(o.Role)
	if o.Role == "" || strings.TrimSpace(o.Provider) == "" {
		return RoleOverride{}, fmt.Errorf("role and provider are required")
	}
	o.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO role_overrides (role, provider, model, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET provider = excluded.provider, model = excluded.model, updated_at = excluded.updated_at`,
		o.Role, o.Provider, nullString(o.Model), formatTime(o.UpdatedAt))
	if err != nil {
		return RoleOverride{}, fmt.Errorf("set role override: %w", err)
	}
	return o, nil
}

func (s *Store) DeleteRoleOverride(ctx context.Context, role string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM role_overrides WHERE role = ?`, role); err != nil {
		return fmt.Errorf("delete role override: %w", err)
	}
	return nil
}
