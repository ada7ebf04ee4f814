package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/flitsinc/storyforge/internal/idgen"
)

const (
	ContentModePrepend  = "prepend"
	ContentModeAppend   = "append"
	ContentModeOverride = "override"

	BlockRoleSystem = "system"
	BlockRoleUser   = "user"

	CustomBlockSimple = "simple"
	CustomBlockScript = "script"
)

// BlockOverride customizes one block for a story and agent. A nil Enabled
// means enabled.
type BlockOverride struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	ContentMode   string `json:"contentMode,omitempty"`
	CustomContent string `json:"customContent,omitempty"`
}

// IsEnabled reports whether the override leaves its block enabled.
func (o BlockOverride) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

type CustomBlock struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Order   int    `json:"order"`
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// BlockConfig is the persisted block customization for one story and agent.
type BlockConfig struct {
	Overrides     map[string]BlockOverride `json:"overrides,omitempty"`
	BlockOrder    []string                 `json:"blockOrder,omitempty"`
	CustomBlocks  []CustomBlock            `json:"customBlocks,omitempty"`
	DisabledTools []string                 `json:"disabledTools,omitempty"`
}

func (c BlockConfig) Validate() error {
	for id, o := range c.Overrides {
		switch o.ContentMode {
		case "", ContentModePrepend, ContentModeAppend, ContentModeOverride:
		default:
			return fmt.Errorf("override %q: unknown content mode %q", id, o.ContentMode)
		}
	}
	seen := map[string]bool{}
	for _, b := range c.CustomBlocks {
		if err := idgen.ValidateCustomID(b.ID); err != nil {
			return fmt.Errorf("custom block: %w", err)
		}
		if seen[b.ID] {
			return fmt.Errorf("custom block %q defined twice", b.ID)
		}
		seen[b.ID] = true
		if b.Role != BlockRoleSystem && b.Role != BlockRoleUser {
			return fmt.Errorf("custom block %q: role must be system or user", b.ID)
		}
		if b.Type != CustomBlockSimple && b.Type != CustomBlockScript {
			return fmt.Errorf("custom block %q: type must be simple or script", b.ID)
		}
	}
	return nil
}

// UpsertCustomBlock adds or replaces a custom block by id. An empty id is
// assigned a generated one. The stored block is returned.
func (c *BlockConfig) UpsertCustomBlock(block CustomBlock) (CustomBlock, error) {
	if block.ID == "" {
		block.ID = idgen.CustomBlockID()
	}
	if err := idgen.ValidateCustomID(block.ID); err != nil {
		return CustomBlock{}, err
	}
	if block.Role == "" {
		block.Role = BlockRoleUser
	}
	if block.Type == "" {
		block.Type = CustomBlockSimple
	}
	for i, existing := range c.CustomBlocks {
		if existing.ID == block.ID {
			c.CustomBlocks[i] = block
			return block, nil
		}
	}
	c.CustomBlocks = append(c.CustomBlocks, block)
	return block, nil
}

// RemoveCustomBlock deletes a custom block along with its override and its
// entry in the explicit ordering. It reports whether the block existed.
func (c *BlockConfig) RemoveCustomBlock(id string) bool {
	idx := slices.IndexFunc(c.CustomBlocks, func(b CustomBlock) bool { return b.ID == id })
	if idx < 0 {
		return false
	}
	c.CustomBlocks = slices.Delete(c.CustomBlocks, idx, idx+1)
	delete(c.Overrides, id)
	c.BlockOrder = slices.DeleteFunc(c.BlockOrder, func(v string) bool { return v == id })
	return true
}

// SetOverride stores o for blockID, creating the override map as needed.
func (c *BlockConfig) SetOverride(blockID string, o BlockOverride) {
	if c.Overrides == nil {
		c.Overrides = map[string]BlockOverride{}
	}
	c.Overrides[blockID] = o
}

// LoadBlockConfig returns the stored config, or an empty config when none
// has been saved.
func (s *Store) LoadBlockConfig(ctx context.Context, storyID, agent string) (BlockConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM block_configs WHERE story_id = ? AND agent = ?`, storyID, agent).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return BlockConfig{}, nil
	}
	if err != nil {
		return BlockConfig{}, fmt.Errorf("load block config: %w", err)
	}
	var cfg BlockConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return BlockConfig{}, fmt.Errorf("decode block config: %w", err)
	}
	return cfg, nil
}

// SaveBlockConfig replaces the stored config. Concurrent writers are not
// reconciled; the last write wins.
func (s *Store) SaveBlockConfig(ctx context.Context, storyID, agent string, cfg BlockConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode block config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO block_configs (story_id, agent, config, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(story_id, agent) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		storyID, agent, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save block config: %w", err)
	}
	return nil
}
