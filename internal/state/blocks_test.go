package state

import "testing"

func TestCustomBlockUpsertAndRemove(t *testing.T) {
	var cfg BlockConfig
	created, err := cfg.UpsertCustomBlock(CustomBlock{Name: "Weather", Content: "It rains.", Enabled: true})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created.ID == "" || created.Role != BlockRoleUser || created.Type != CustomBlockSimple {
		t.Fatalf("expected defaults filled, got %+v", created)
	}

	created.Content = "It snows."
	if _, err := cfg.UpsertCustomBlock(created); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(cfg.CustomBlocks) != 1 || cfg.CustomBlocks[0].Content != "It snows." {
		t.Fatalf("expected in-place update, got %+v", cfg.CustomBlocks)
	}

	cfg.SetOverride(created.ID, BlockOverride{ContentMode: ContentModeAppend, CustomContent: "more"})
	cfg.BlockOrder = []string{"a", created.ID, "b"}
	if !cfg.RemoveCustomBlock(created.ID) {
		t.Fatalf("expected removal")
	}
	if len(cfg.CustomBlocks) != 0 || len(cfg.Overrides) != 0 || len(cfg.BlockOrder) != 2 {
		t.Fatalf("expected block, override and order entry gone, got %+v", cfg)
	}
	if cfg.RemoveCustomBlock(created.ID) {
		t.Fatalf("expected second removal to report false")
	}
}

func TestCustomBlockInvalidID(t *testing.T) {
	var cfg BlockConfig
	if _, err := cfg.UpsertCustomBlock(CustomBlock{ID: "Bad ID"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestOverrideIsEnabled(t *testing.T) {
	f, tr := false, true
	if !(BlockOverride{}).IsEnabled() {
		t.Fatalf("absent enabled should mean enabled")
	}
	if !(BlockOverride{Enabled: &tr}).IsEnabled() {
		t.Fatalf("explicit true should be enabled")
	}
	if (BlockOverride{Enabled: &f}).IsEnabled() {
		t.Fatalf("explicit false should be disabled")
	}
}
