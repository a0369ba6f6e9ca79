package pipeline

import (
	"fmt"
	"time"
)

// Event names handled by the pipeline.
const (
	EventVideoDiscovered   = "media/video.discovered"
	EventEpisodeDiscovered = "media/episode.discovered"
)

// Discovery sources.
const (
	SourceWebhook = "webhook"
	SourceCron    = "cron"
	SourceManual  = "manual"
)

// VideoDiscovered is the data of media/video.discovered.
type VideoDiscovered struct {
	VideoID         string `json:"videoId"`
	ChannelID       string `json:"channelId,omitempty"`
	Title           string `json:"title,omitempty"`
	PublishedAt     string `json:"publishedAt,omitempty"`
	DiscoverySource string `json:"discoverySource,omitempty"`
}

// EpisodeDiscovered is the data of media/episode.discovered. PubDate is in
// unix seconds.
type EpisodeDiscovered struct {
	AudioURL        string `json:"audioUrl"`
	Title           string `json:"title,omitempty"`
	PubDate         int64  `json:"pubDate,omitempty"`
	Description     string `json:"description,omitempty"`
	TrackID         string `json:"trackId,omitempty"`
	AuthorID        string `json:"authorId,omitempty"`
	AuthorName      string `json:"authorName,omitempty"`
	DiscoverySource string `json:"discoverySource,omitempty"`
}

func (e EpisodeDiscovered) displayTitle() string {
	if e.Title != "" {
		return e.Title
	}
	if e.PubDate > 0 {
		return fmt.Sprintf("%s - %s", e.AuthorName, time.Unix(e.PubDate, 0).UTC().Format(time.DateOnly))
	}
	return "Untitled"
}

func (e EpisodeDiscovered) published() *time.Time {
	if e.PubDate <= 0 {
		return nil
	}
	t := time.Unix(e.PubDate, 0).UTC()
	return &t
}

const videoDiscoveredSchema = `{
  "type": "object",
  "properties": {
    "videoId": {"type": "string", "minLength": 1},
    "channelId": {"type": "string"},
    "title": {"type": "string"},
    "publishedAt": {"type": "string"},
    "discoverySource": {"type": "string", "enum": ["webhook", "cron", "manual"]}
  },
  "required": ["videoId"]
}`

const episodeDiscoveredSchema = `{
  "type": "object",
  "properties": {
    "audioUrl": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "pubDate": {"type": "integer", "minimum": 0},
    "description": {"type": "string"},
    "trackId": {"type": "string"},
    "authorId": {"type": "string"},
    "authorName": {"type": "string"},
    "discoverySource": {"type": "string", "enum": ["webhook", "cron", "manual"]}
  },
  "required": ["audioUrl"]
}`

// SchemaRegistry accepts per-event JSON Schemas.
type SchemaRegistry interface {
	RegisterPayloadSchema(eventName string, schemaJSON []byte) error
}

// RegisterSchemas registers the discovery event schemas with v.
func RegisterSchemas(v SchemaRegistry) error {
	schemas := map[string]string{
		EventVideoDiscovered:   videoDiscoveredSchema,
		EventEpisodeDiscovered: episodeDiscoveredSchema,
	}
	for name, s := range schemas {
		if err := v.RegisterPayloadSchema(name, []byte(s)); err != nil {
			return fmt.Errorf("register %s schema: %w", name, err)
		}
	}
	return nil
}
