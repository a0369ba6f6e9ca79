package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mediaflow/pkg/schema"
)

// MediaKind distinguishes the two discovery sources.
type MediaKind string

const (
	KindVideo   MediaKind = "video"
	KindEpisode MediaKind = "episode"
)

// MediaStatus is the processing state of a media item.
type MediaStatus string

const (
	StatusPending      MediaStatus = "pending"
	StatusProcessing   MediaStatus = "processing"
	StatusTranscribing MediaStatus = "transcribing"
	StatusGenerating   MediaStatus = "generating"
	StatusCompleted    MediaStatus = "completed"
	StatusFailed       MediaStatus = "failed"
)

// MediaItem is one discovered video or episode and its generated content.
// UniqueKey is the platform identity: the video ID or the audio URL.
type MediaItem struct {
	ID              string      `json:"id"`
	Kind            MediaKind   `json:"kind"`
	UniqueKey       string      `json:"unique_key"`
	ChannelID       string      `json:"channel_id,omitempty"`
	Title           string      `json:"title,omitempty"`
	DiscoverySource string      `json:"discovery_source,omitempty"`
	Status          MediaStatus `json:"status"`
	Summary         string      `json:"summary,omitempty"`
	Transcript      string      `json:"transcript,omitempty"`
	Posts           []string    `json:"posts,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	RetryCount      int         `json:"retry_count"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// MediaUpdate holds the fields a step changes. Nil fields are left alone.
type MediaUpdate struct {
	Status     MediaStatus
	Summary    *string
	Transcript *string
	Posts      []string
}

// Channel is a subscribed source swept by the backstop pollers. A channel
// with a PodcastTrackID is also swept for podcast episodes.
type Channel struct {
	ID             string     `json:"id"`
	Title          string     `json:"title,omitempty"`
	PodcastTrackID string     `json:"podcast_track_id,omitempty"`
	Active         bool       `json:"active"`
	LastPolledAt   *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Records persists media items and channels.
type Records interface {
	// FindByKey returns the item with the given unique key, or a NOT_FOUND error.
	FindByKey(ctx context.Context, key string) (*MediaItem, error)
	// Upsert creates the item, or moves an existing unfinished item back to
	// processing. It returns the stored item.
	Upsert(ctx context.Context, item *MediaItem) (*MediaItem, error)
	Update(ctx context.Context, id string, u MediaUpdate) error
	// MarkFailed records a terminal failure and bumps the retry count.
	MarkFailed(ctx context.Context, key, message string) error

	ListChannels(ctx context.Context) ([]*Channel, error)
	AddChannel(ctx context.Context, ch *Channel) error
	TouchChannel(ctx context.Context, id string, at time.Time) error
}

func itemNotFound(key string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "media item %q not found", key)
}

// MemoryRecords is an in-memory Records used with the in-memory store.
type MemoryRecords struct {
	mu       sync.Mutex
	items    map[string]*MediaItem // by unique key
	channels map[string]*Channel
}

// NewMemoryRecords creates an empty MemoryRecords.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		items:    make(map[string]*MediaItem),
		channels: make(map[string]*Channel),
	}
}

func (m *MemoryRecords) FindByKey(_ context.Context, key string) (*MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, itemNotFound(key)
	}
	return copyItem(it), nil
}

func (m *MemoryRecords) Upsert(_ context.Context, item *MediaItem) (*MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if it, ok := m.items[item.UniqueKey]; ok {
		if it.Status != StatusCompleted {
			it.Status = StatusProcessing
			it.ErrorMessage = ""
			it.UpdatedAt = now
		}
		return copyItem(it), nil
	}
	it := copyItem(item)
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Status == "" {
		it.Status = StatusProcessing
	}
	it.CreatedAt, it.UpdatedAt = now, now
	m.items[it.UniqueKey] = it
	return copyItem(it), nil
}

func (m *MemoryRecords) Update(_ context.Context, id string, u MediaUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID != id {
			continue
		}
		if u.Status != "" {
			it.Status = u.Status
		}
		if u.Summary != nil {
			it.Summary = *u.Summary
		}
		if u.Transcript != nil {
			it.Transcript = *u.Transcript
		}
		if u.Posts != nil {
			it.Posts = append([]string(nil), u.Posts...)
		}
		it.UpdatedAt = time.Now().UTC()
		return nil
	}
	return itemNotFound(id)
}

func (m *MemoryRecords) MarkFailed(_ context.Context, key, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return itemNotFound(key)
	}
	it.Status = StatusFailed
	it.ErrorMessage = message
	it.RetryCount++
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRecords) ListChannels(_ context.Context) ([]*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Active {
			c := *ch
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRecords) AddChannel(_ context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ch
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.channels[c.ID] = &c
	return nil
}

func (m *MemoryRecords) TouchChannel(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "channel %q not found", id)
	}
	t := at.UTC()
	ch.LastPolledAt = &t
	return nil
}

func copyItem(it *MediaItem) *MediaItem {
	c := *it
	c.Posts = append([]string(nil), it.Posts...)
	return &c
}
