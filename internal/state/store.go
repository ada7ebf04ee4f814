package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/storyforge/internal/idgen"
)

// ErrNotFound is returned when a story, fragment or record does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages sharing the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

type Story struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Fragment struct {
	ID          string    `json:"id"`
	StoryID     string    `json:"story_id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	Sticky      bool      `json:"sticky,omitempty"`
	Order       int       `json:"order"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FragmentType counts fragments of one type within a story.
type FragmentType struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func (s *Store) PutStory(ctx context.Context, story Story) (Story, error) {
	if strings.TrimSpace(story.Name) == "" {
		return Story{}, fmt.Errorf("story name is required")
	}
	if story.ID == "" {
		story.ID = idgen.New()
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	settingsJSON, err := encodeJSON(story.Settings)
	if err != nil {
		return Story{}, fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO stories (id, name, description, summary, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
			summary = excluded.summary, settings = excluded.settings, updated_at = excluded.updated_at`,
		story.ID, story.Name, nullString(story.Description), nullString(story.Summary), nullString(settingsJSON),
		formatTime(story.CreatedAt), formatTime(story.UpdatedAt))
	if err != nil {
		return Story{}, fmt.Errorf("upsert story: %w", err)
	}
	return story, nil
}

func (s *Store) GetStory(ctx context.Context, id string) (Story, error) {
	var story Story
	var description, summary, settings sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description, summary, settings, created_at, updated_at FROM stories WHERE id = ?`, id).
		Scan(&story.ID, &story.Name, &description, &summary, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Story{}, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Story{}, fmt.Errorf("get story: %w", err)
	}
	story.Description = description.String
	story.Summary = summary.String
	story.Settings = decodeJSONMap(settings.String)
	story.CreatedAt = parseTime(createdAt)
	story.UpdatedAt = parseTime(updatedAt)
	return story, nil
}

func (s *Store) ListStories(ctx context.Context, limit int) ([]Story, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, summary, settings, created_at, updated_at FROM stories ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []Story
	for rows.Next() {
		var story Story
		var description, summary, settings sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&story.ID, &story.Name, &description, &summary, &settings, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		story.Description = description.String
		story.Summary = summary.String
		story.Settings = decodeJSONMap(settings.String)
		story.CreatedAt = parseTime(createdAt)
		story.UpdatedAt = parseTime(updatedAt)
		out = append(out, story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return out, nil
}

func (s *Store) PutFragment(ctx context.Context, frag Fragment) (Fragment, error) {
	if frag.StoryID == "" {
		return Fragment{}, fmt.Errorf("fragment story id is required")
	}
	if strings.TrimSpace(frag.Type) == "" {
		return Fragment{}, fmt.Errorf("fragment type is required")
	}
	if strings.TrimSpace(frag.Name) == "" {
		return Fragment{}, fmt.Errorf("fragment name is required")
	}
	if frag.ID == "" {
		frag.ID = idgen.New()
	}
	now := time.Now().UTC()
	if frag.CreatedAt.IsZero() {
		frag.CreatedAt = now
	}
	frag.UpdatedAt = now
	tagsJSON, err := encodeJSON(frag.Tags)
	if err != nil {
		return Fragment{}, fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO fragments (id, story_id, type, name, description, content, tags, sticky, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, name = excluded.name, description = excluded.description,
			content = excluded.content, tags = excluded.tags, sticky = excluded.sticky, position = excluded.position,
			updated_at = excluded.updated_at`,
		frag.ID, frag.StoryID, frag.Type, frag.Name, nullString(frag.Description), frag.Content, nullString(tagsJSON),
		boolInt(frag.Sticky), frag.Order, formatTime(frag.CreatedAt), formatTime(frag.UpdatedAt))
	if err != nil {
		return Fragment{}, fmt.Errorf("upsert fragment: %w", err)
	}
	return frag, nil
}

const fragmentColumns = `id, story_id, type, name, description, content, tags, sticky, position, created_at, updated_at`

func (s *Store) GetFragment(ctx context.Context, storyID, id string) (Fragment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fragmentColumns+` FROM fragments WHERE story_id = ? AND id = ?`, storyID, id)
	frag, err := scanFragment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Fragment{}, fmt.Errorf("fragment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Fragment{}, fmt.Errorf("get fragment: %w", err)
	}
	return frag, nil
}

// ListFragments returns the story's fragments ordered by type then position.
// An empty fragType lists every type.
func (s *Store) ListFragments(ctx context.Context, storyID, fragType string) ([]Fragment, error) {
	query := `SELECT ` + fragmentColumns + ` FROM fragments WHERE story_id = ?`
	args := []any{storyID}
	if fragType != "" {
		query += ` AND type = ?`
		args = append(args, fragType)
	}
	query += ` ORDER BY type, position, created_at`
	return s.queryFragments(ctx, query, args...)
}

// SearchFragments matches query case-insensitively against name, description
// and content.
func (s *Store) SearchFragments(ctx context.Context, storyID, query string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.queryFragments(ctx, `SELECT `+fragmentColumns+` FROM fragments
		WHERE story_id = ? AND (LOWER(name) LIKE ? OR LOWER(COALESCE(description, '')) LIKE ? OR LOWER(content) LIKE ?)
		ORDER BY type, position, created_at LIMIT ?`, storyID, pattern, pattern, pattern, limit)
}

func (s *Store) FragmentTypes(ctx context.Context, storyID string) ([]FragmentType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM fragments WHERE story_id = ? GROUP BY type ORDER BY type`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list fragment types: %w", err)
	}
	defer rows.Close()

	var out []FragmentType
	for rows.Next() {
		var ft FragmentType
		if err := rows.Scan(&ft.Type, &ft.Count); err != nil {
			return nil, fmt.Errorf("scan fragment type: %w", err)
		}
		out = append(out, ft)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragment types: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteFragment(ctx context.Context, storyID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE story_id = ? AND id = ?`, storyID, id)
	if err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fragment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryFragments(ctx context.Context, query string, args ...any) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		frag, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, frag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFragment(row scanner) (Fragment, error) {
	var frag Fragment
	var description, tags sql.NullString
	var sticky int
	var createdAt, updatedAt string
	if err := row.Scan(&frag.ID, &frag.StoryID, &frag.Type, &frag.Name, &description, &frag.Content, &tags,
		&sticky, &frag.Order, &createdAt, &updatedAt); err != nil {
		return Fragment{}, err
	}
	frag.Description = description.String
	frag.Tags = decodeStrings(tags.String)
	frag.Sticky = sticky != 0
	frag.CreatedAt = parseTime(createdAt)
	frag.UpdatedAt = parseTime(updatedAt)
	return frag, nil
}
