package agents

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/schema"
)

const (
	LibrarianSummarize = "librarian.summarize"
	LibrarianAnalyze   = "librarian.analyze"
)

type SummarizeInput struct {
	Text         string `json:"text"`
	MaxSentences int    `json:"maxSentences,omitempty" jsonschema:"minimum=1"`
}

type SummarizeOutput struct {
	Summary   string `json:"summary"`
	Sentences int    `json:"sentences"`
	Words     int    `json:"words"`
}

type AnalyzeInput struct {
	// FragmentIDs limits the analysis to these prose fragments. Empty means
	// all prose.
	FragmentIDs []string `json:"fragmentIds,omitempty"`
}

type CharacterMention struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Mentions int    `json:"mentions"`
}

type AnalyzeOutput struct {
	Summary    string             `json:"summary"`
	Words      int                `json:"words"`
	Fragments  int                `json:"fragments"`
	Characters []CharacterMention `json:"characters"`
}

const defaultSummarySentences = 3

// summarize keeps the leading sentences of text.
func summarize(_ context.Context, _ *engine.Invocation, input any) (any, error) {
	in, err := schema.Decode[SummarizeInput](input)
	if err != nil {
		return nil, err
	}
	limit := in.MaxSentences
	if limit <= 0 {
		limit = defaultSummarySentences
	}
	sentences := splitSentences(in.Text)
	kept := sentences
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return SummarizeOutput{
		Summary:   strings.Join(kept, " "),
		Sentences: len(sentences),
		Words:     len(strings.Fields(in.Text)),
	}, nil
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return out
}

// analyze reads the story's prose, counts character mentions and delegates
// the summary to librarian.summarize.
func (s *Suite) analyze(ctx context.Context, inv *engine.Invocation, input any) (any, error) {
	in, err := schema.Decode[AnalyzeInput](input)
	if err != nil {
		return nil, err
	}
	sc, err := prompt.BuildStoryContext(ctx, s.store, inv.StoryID)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range in.FragmentIDs {
		wanted[id] = true
	}
	var texts []string
	for _, frag := range sc.Prose {
		if len(wanted) > 0 && !wanted[frag.ID] {
			continue
		}
		texts = append(texts, frag.Content)
	}
	text := strings.Join(texts, "\n\n")

	characters, err := s.store.ListFragments(ctx, inv.StoryID, "character")
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	mentions := make([]CharacterMention, 0, len(characters))
	for _, c := range characters {
		if c.Name == "" {
			continue
		}
		mentions = append(mentions, CharacterMention{ID: c.ID, Name: c.Name, Mentions: strings.Count(lower, strings.ToLower(c.Name))})
	}
	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Mentions > mentions[j].Mentions })

	out := AnalyzeOutput{Fragments: len(texts), Characters: mentions}
	if text == "" {
		return out, nil
	}
	summary, err := engine.InvokeAs[SummarizeOutput](ctx, inv, LibrarianSummarize, SummarizeInput{Text: text})
	if err != nil {
		return nil, err
	}
	out.Summary = summary.Summary
	out.Words = summary.Words
	return out, nil
}
