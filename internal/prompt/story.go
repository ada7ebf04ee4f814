package prompt

import (
	"context"
	"fmt"

	"github.com/flitsinc/storyforge/internal/state"
)

const FragmentTypeProse = "prose"

// StorySource is the read side of fragment storage.
type StorySource interface {
	GetStory(ctx context.Context, id string) (state.Story, error)
	GetFragment(ctx context.Context, storyID, id string) (state.Fragment, error)
	ListFragments(ctx context.Context, storyID, fragType string) ([]state.Fragment, error)
}

// FragmentSummary is the shortlist view of a non-sticky fragment.
type FragmentSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// StoryContext is a snapshot of a story taken once per compilation.
type StoryContext struct {
	Story     state.Story       `json:"story"`
	Prose     []state.Fragment  `json:"prose,omitempty"`
	Sticky    []state.Fragment  `json:"sticky,omitempty"`
	Shortlist []FragmentSummary `json:"shortlist,omitempty"`
}

// BuildStoryContext snapshots story metadata and its fragments. Prose is kept
// in order; other fragments are split into sticky ones (full content) and a
// shortlist (id, name and description only).
func BuildStoryContext(ctx context.Context, source StorySource, storyID string) (StoryContext, error) {
	story, err := source.GetStory(ctx, storyID)
	if err != nil {
		return StoryContext{}, err
	}
	frags, err := source.ListFragments(ctx, storyID, "")
	if err != nil {
		return StoryContext{}, fmt.Errorf("list fragments: %w", err)
	}
	sc := StoryContext{Story: story}
	for _, frag := range frags {
		switch {
		case frag.Type == FragmentTypeProse:
			sc.Prose = append(sc.Prose, frag)
		case frag.Sticky:
			sc.Sticky = append(sc.Sticky, frag)
		default:
			sc.Shortlist = append(sc.Shortlist, FragmentSummary{
				ID:          frag.ID,
				Type:        frag.Type,
				Name:        frag.Name,
				Description: frag.Description,
			})
		}
	}
	return sc, nil
}

// BlockContext is everything a block factory sees: the story snapshot plus
// agent-specific extension fields.
type BlockContext struct {
	StoryID string         `json:"storyId"`
	Agent   string         `json:"agent"`
	Story   *StoryContext  `json:"story,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// String returns the named extension field as a string.
func (c BlockContext) String(key string) string {
	v, _ := c.Extra[key].(string)
	return v
}
