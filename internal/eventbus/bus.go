package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/storyforge/internal/idgen"
)

type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	storyID string
	ch      chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Push(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Event{}, fmt.Errorf("stream is required")
	}
	if strings.TrimSpace(input.StoryID) == "" {
		return Event{}, fmt.Errorf("story id is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Event{}, fmt.Errorf("body is required")
	}

	id := idgen.RunID()
	createdAt := time.Now().UTC()
	payloadJSON, err := encodeJSON(input.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (id, stream, story_id, subject, body, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, input.Stream, input.StoryID, nullString(input.Subject), input.Body, payloadJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:        id,
		Stream:    input.Stream,
		StoryID:   input.StoryID,
		Subject:   input.Subject,
		Body:      input.Body,
		Payload:   input.Payload,
		CreatedAt: createdAt,
	}

	b.broadcast(event)
	return event, nil
}

func (b *Bus) List(ctx context.Context, stream string, opts ListOptions) ([]Event, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	order := strings.ToLower(opts.Order)
	if order == "" {
		order = DefaultOrder(stream)
	}
	orderBy := "created_at DESC, id DESC"
	if order == OrderFIFO {
		orderBy = "created_at ASC, id ASC"
	}

	where := "WHERE stream = ?"
	args := []any{stream}
	if opts.StoryID != "" {
		where += " AND story_id = ?"
		args = append(args, opts.StoryID)
	}
	if opts.AfterID != "" {
		where += " AND id > ?"
		args = append(args, opts.AfterID)
	}
	query := fmt.Sprintf(`SELECT id, stream, story_id, subject, body, payload, created_at FROM events %s ORDER BY %s LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

var ErrNotFound = errors.New("event not found")

func (b *Bus) Get(ctx context.Context, id string) (Event, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, stream, story_id, subject, body, payload, created_at FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var createdAtStr string
	var subject, payloadStr sql.NullString
	if err := row.Scan(&e.ID, &e.Stream, &e.StoryID, &subject, &e.Body, &payloadStr, &createdAtStr); err != nil {
		return Event{}, err
	}
	e.Subject = subject.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	e.Payload = decodeJSONMap(payloadStr.String)
	return e, nil
}

// Subscribe delivers pushed events until ctx is done, then closes the
// channel. Slow subscribers drop events.
func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range opts.Streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := idgen.New()

	sub := &subscriber{streams: streamSet, storyID: opts.StoryID, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[event.Stream]; !ok {
				continue
			}
		}
		if sub.storyID != "" && sub.storyID != event.StoryID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
