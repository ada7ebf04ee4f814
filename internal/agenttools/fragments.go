package agenttools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/state"
)

// FragmentStore is the fragment storage the tools read and write.
type FragmentStore interface {
	GetFragment(ctx context.Context, storyID, id string) (state.Fragment, error)
	ListFragments(ctx context.Context, storyID, fragType string) ([]state.Fragment, error)
	SearchFragments(ctx context.Context, storyID, query string, limit int) ([]state.Fragment, error)
	FragmentTypes(ctx context.Context, storyID string) ([]state.FragmentType, error)
	PutFragment(ctx context.Context, frag state.Fragment) (state.Fragment, error)
	DeleteFragment(ctx context.Context, storyID, id string) error
}

type GetFragmentParams struct {
	ID string `json:"id" jsonschema_description:"Fragment id"`
}

type ListFragmentsParams struct {
	Type string `json:"type,omitempty" jsonschema_description:"Only list fragments of this type (prose, character, guideline, knowledge, ...)"`
}

type SearchFragmentsParams struct {
	Query string `json:"query" jsonschema_description:"Text to look for in fragment names, descriptions and content"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum number of matches (default 20)"`
}

type ListFragmentTypesParams struct{}

type CreateFragmentParams struct {
	Type        string   `json:"type" jsonschema_description:"Fragment type"`
	Name        string   `json:"name" jsonschema_description:"Short display name"`
	Description string   `json:"description,omitempty" jsonschema_description:"One-line description used in shortlists"`
	Content     string   `json:"content" jsonschema_description:"Full fragment content"`
	Tags        []string `json:"tags,omitempty"`
	Sticky      bool     `json:"sticky,omitempty" jsonschema_description:"Always include full content in context"`
}

type UpdateFragmentParams struct {
	ID          string   `json:"id" jsonschema_description:"Fragment id"`
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Content     *string  `json:"content,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Sticky      *bool    `json:"sticky,omitempty"`
}

type EditFragmentParams struct {
	ID      string `json:"id" jsonschema_description:"Fragment id"`
	OldText string `json:"oldText" jsonschema_description:"Exact text to replace; must occur exactly once"`
	NewText string `json:"newText" jsonschema_description:"Replacement text"`
}

// fragmentLocks serializes read-modify-write cycles on one fragment within
// the process. Keys are storyID + "/" + fragment id.
var fragmentLocks sync.Map

func lockFragment(storyID, id string) func() {
	v, _ := fragmentLocks.LoadOrStore(storyID+"/"+id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type DeleteFragmentParams struct {
	ID string `json:"id" jsonschema_description:"Fragment id"`
}

// ReadOnly returns the fragment lookup tools scoped to one story.
func ReadOnly(store FragmentStore, storyID string) []ai.Tool {
	return []ai.Tool{
		GetFragmentTool(store, storyID),
		ListFragmentsTool(store, storyID),
		SearchFragmentsTool(store, storyID),
		ListFragmentTypesTool(store, storyID),
	}
}

// ReadWrite returns the read-only tools plus fragment mutation tools.
func ReadWrite(store FragmentStore, storyID string) []ai.Tool {
	return append(ReadOnly(store, storyID),
		CreateFragmentTool(store, storyID),
		UpdateFragmentTool(store, storyID),
		EditFragmentTool(store, storyID),
		DeleteFragmentTool(store, storyID),
	)
}

func GetFragmentTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewTool("getFragment", "Read one fragment in full", func(ctx context.Context, p GetFragmentParams) (any, error) {
		frag, err := store.GetFragment(ctx, storyID, strings.TrimSpace(p.ID))
		if err != nil {
			return nil, err
		}
		return fragmentView(frag, true), nil
	})
}

func ListFragmentsTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewTool("listFragments", "List fragments without their content", func(ctx context.Context, p ListFragmentsParams) (any, error) {
		frags, err := store.ListFragments(ctx, storyID, strings.TrimSpace(p.Type))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(frags))
		for _, frag := range frags {
			out = append(out, fragmentView(frag, false))
		}
		return map[string]any{"fragments": out}, nil
	})
}

func SearchFragmentsTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewTool("searchFragments", "Search fragments by text", func(ctx context.Context, p SearchFragmentsParams) (any, error) {
		if strings.TrimSpace(p.Query) == "" {
			return nil, fmt.Errorf("query is required")
		}
		frags, err := store.SearchFragments(ctx, storyID, p.Query, p.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(frags))
		for _, frag := range frags {
			out = append(out, fragmentView(frag, false))
		}
		return map[string]any{"matches": out}, nil
	})
}

func ListFragmentTypesTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewTool("listFragmentTypes", "List fragment types with counts", func(ctx context.Context, _ ListFragmentTypesParams) (any, error) {
		types, err := store.FragmentTypes(ctx, storyID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"types": types}, nil
	})
}

func CreateFragmentTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewWriteTool("createFragment", "Create a new fragment", func(ctx context.Context, p CreateFragmentParams) (any, error) {
		frag, err := store.PutFragment(ctx, state.Fragment{
			StoryID:     storyID,
			Type:        strings.TrimSpace(p.Type),
			Name:        strings.TrimSpace(p.Name),
			Description: p.Description,
			Content:     p.Content,
			Tags:        p.Tags,
			Sticky:      p.Sticky,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": frag.ID, "status": "created"}, nil
	})
}

func UpdateFragmentTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewWriteTool("updateFragment", "Replace fields of an existing fragment", func(ctx context.Context, p UpdateFragmentParams) (any, error) {
		defer lockFragment(storyID, p.ID)()
		frag, err := store.GetFragment(ctx, storyID, p.ID)
		if err != nil {
			return nil, err
		}
		if p.Name != nil {
			frag.Name = *p.Name
		}
		if p.Description != nil {
			frag.Description = *p.Description
		}
		if p.Content != nil {
			frag.Content = *p.Content
		}
		if p.Tags != nil {
			frag.Tags = p.Tags
		}
		if p.Sticky != nil {
			frag.Sticky = *p.Sticky
		}
		if _, err := store.PutFragment(ctx, frag); err != nil {
			return nil, err
		}
		return map[string]any{"id": frag.ID, "status": "updated"}, nil
	})
}

func EditFragmentTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewWriteTool("editFragment", "Replace one exact passage inside a fragment's content", func(ctx context.Context, p EditFragmentParams) (any, error) {
		if p.OldText == "" {
			return nil, fmt.Errorf("oldText is required")
		}
		defer lockFragment(storyID, p.ID)()
		frag, err := store.GetFragment(ctx, storyID, p.ID)
		if err != nil {
			return nil, err
		}
		switch n := strings.Count(frag.Content, p.OldText); n {
		case 0:
			return nil, fmt.Errorf("oldText not found in fragment %s", p.ID)
		case 1:
		default:
			return nil, fmt.Errorf("oldText occurs %d times in fragment %s; include more context", n, p.ID)
		}
		frag.Content = strings.Replace(frag.Content, p.OldText, p.NewText, 1)
		if _, err := store.PutFragment(ctx, frag); err != nil {
			return nil, err
		}
		return map[string]any{"id": frag.ID, "status": "edited"}, nil
	})
}

func DeleteFragmentTool(store FragmentStore, storyID string) ai.Tool {
	return ai.NewWriteTool("deleteFragment", "Delete a fragment", func(ctx context.Context, p DeleteFragmentParams) (any, error) {
		if err := store.DeleteFragment(ctx, storyID, p.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": p.ID, "status": "deleted"}, nil
	})
}

func fragmentView(frag state.Fragment, withContent bool) map[string]any {
	view := map[string]any{
		"id":   frag.ID,
		"type": frag.Type,
		"name": frag.Name,
	}
	if frag.Description != "" {
		view["description"] = frag.Description
	}
	if len(frag.Tags) > 0 {
		view["tags"] = frag.Tags
	}
	if frag.Sticky {
		view["sticky"] = true
	}
	if withContent {
		view["content"] = frag.Content
	}
	return view
}
