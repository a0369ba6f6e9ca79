package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mediaflow/pkg/schema"
)

const itemColumns = `id, kind, unique_key, channel_id, title, discovery_source, status, summary,
	transcript, posts, error_message, retry_count, published_at, created_at, updated_at`

// SQLRecords implements Records on the media_items and channels tables of
// the engine's libSQL database.
type SQLRecords struct {
	db *sql.DB
}

// NewSQLRecords wraps db. The tables are created by the store migrations.
func NewSQLRecords(db *sql.DB) *SQLRecords {
	return &SQLRecords{db: db}
}

func (r *SQLRecords) FindByKey(ctx context.Context, key string) (*MediaItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM media_items WHERE unique_key = ?`, key)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, itemNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("find media item: %w", err)
	}
	return it, nil
}

func (r *SQLRecords) Upsert(ctx context.Context, item *MediaItem) (*MediaItem, error) {
	now := time.Now().UTC()
	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := item.Status
	if status == "" {
		status = StatusProcessing
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO media_items (id, kind, unique_key, channel_id, title, discovery_source, status, summary, published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unique_key) DO UPDATE SET
		   status = CASE WHEN media_items.status = 'completed' THEN media_items.status ELSE 'processing' END,
		   error_message = CASE WHEN media_items.status = 'completed' THEN media_items.error_message ELSE NULL END,
		   updated_at = excluded.updated_at`,
		id, string(item.Kind), item.UniqueKey, nullString(item.ChannelID), nullString(item.Title),
		nullString(item.DiscoverySource), string(status), nullString(item.Summary), nullTime(item.PublishedAt), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert media item: %w", err)
	}
	return r.FindByKey(ctx, item.UniqueKey)
}

func (r *SQLRecords) Update(ctx context.Context, id string, u MediaUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(u.Status))
	}
	if u.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *u.Summary)
	}
	if u.Transcript != nil {
		sets = append(sets, "transcript = ?")
		args = append(args, *u.Transcript)
	}
	if u.Posts != nil {
		b, err := json.Marshal(u.Posts)
		if err != nil {
			return fmt.Errorf("marshal posts: %w", err)
		}
		sets = append(sets, "posts = ?")
		args = append(args, string(b))
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `UPDATE media_items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update media item: %w", err)
	}
	return checkAffected(res, "media item", id)
}

func (r *SQLRecords) MarkFailed(ctx context.Context, key, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media_items SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		 WHERE unique_key = ?`,
		string(StatusFailed), message, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("mark media item failed: %w", err)
	}
	return checkAffected(res, "media item", key)
}

func (r *SQLRecords) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, podcast_track_id, active, last_polled_at, created_at FROM channels WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch := &Channel{}
		var (
			title, track sql.NullString
			active       int
			polled       sql.NullTime
		)
		if err := rows.Scan(&ch.ID, &title, &track, &active, &polled, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Title = title.String
		ch.PodcastTrackID = track.String
		ch.Active = active == 1
		if polled.Valid {
			ch.LastPolledAt = &polled.Time
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *SQLRecords) AddChannel(ctx context.Context, ch *Channel) error {
	created := ch.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	active := 0
	if ch.Active {
		active = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, title, podcast_track_id, active, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, podcast_track_id = excluded.podcast_track_id,
		   active = excluded.active`,
		ch.ID, nullString(ch.Title), nullString(ch.PodcastTrackID), active, created)
	if err != nil {
		return fmt.Errorf("add channel: %w", err)
	}
	return nil
}

func (r *SQLRecords) TouchChannel(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE channels SET last_polled_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	return checkAffected(res, "channel", id)
}

func scanItem(row *sql.Row) (*MediaItem, error) {
	it := &MediaItem{}
	var (
		kind, status                                  string
		channelID, title, source, summary, transcript sql.NullString
		posts, errMsg                                 sql.NullString
		published                                     sql.NullTime
	)
	if err := row.Scan(&it.ID, &kind, &it.UniqueKey, &channelID, &title, &source, &status, &summary,
		&transcript, &posts, &errMsg, &it.RetryCount, &published, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Kind = MediaKind(kind)
	it.Status = MediaStatus(status)
	it.ChannelID = channelID.String
	it.Title = title.String
	it.DiscoverySource = source.String
	it.Summary = summary.String
	it.Transcript = transcript.String
	it.ErrorMessage = errMsg.String
	if posts.Valid && posts.String != "" {
		if err := json.Unmarshal([]byte(posts.String), &it.Posts); err != nil {
			return nil, fmt.Errorf("decode posts: %w", err)
		}
	}
	if published.Valid {
		it.PublishedAt = &published.Time
	}
	return it, nil
}

func checkAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
