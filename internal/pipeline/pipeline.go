// Package pipeline holds the media handlers: discovered videos and podcast
// episodes are recorded, transcribed and turned into social posts, and
// subscribed channels are swept for videos and episodes the push
// notifications missed.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/engine"
	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/pkg/schema"
)

// Handler IDs.
const (
	HandlerProcessVideo   = "process-video"
	HandlerProcessEpisode = "process-episode"
	HandlerSweepChannels  = "sweep-channels"
	HandlerSweepPodcasts  = "sweep-podcasts"
)

const (
	defaultMaxAttempts = 3
	defaultPostCount   = 5
	sweepSchedule      = "*/30 * * * *"
	podcastSchedule    = "0 */4 * * *"

	// episodeFilter drops episodes whose audio cannot be fetched for
	// transcription.
	episodeFilter = `data.audioUrl.startsWith("https://") || data.audioUrl.startsWith("http://")`
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithRateLimit caps attempt starts per second of the processing handlers.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pipeline) { p.rate, p.burst = perSecond, burst }
}

// WithSweepSchedule overrides the channel sweep cron expression.
func WithSweepSchedule(expr string) Option {
	return func(p *Pipeline) { p.sweep = expr }
}

// WithPodcastSchedule overrides the podcast sweep cron expression.
func WithPodcastSchedule(expr string) Option {
	return func(p *Pipeline) { p.podcasts = expr }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline builds the media handlers over its collaborators.
type Pipeline struct {
	records     Records
	meta        Metadata
	transcriber Transcriber
	generator   Generator
	logger      *slog.Logger
	rate        float64
	burst       int
	sweep       string
	podcasts    string
	now         func() time.Time
}

// New creates a Pipeline.
func New(records Records, meta Metadata, transcriber Transcriber, generator Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		records:     records,
		meta:        meta,
		transcriber: transcriber,
		generator:   generator,
		logger:      slog.Default(),
		sweep:       sweepSchedule,
		podcasts:    podcastSchedule,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handlers returns the handler registrations of the pipeline.
func (p *Pipeline) Handlers() []engine.Handler {
	return []engine.Handler{
		{
			ID:             HandlerProcessVideo,
			Event:          EventVideoDiscovered,
			IdempotencyKey: ".videoId",
			MaxAttempts:    defaultMaxAttempts,
			RateLimit:      p.rate,
			RateBurst:      p.burst,
			OnFailure:      p.videoFailed,
			Fn:             p.processVideo,
		},
		{
			ID:             HandlerProcessEpisode,
			Event:          EventEpisodeDiscovered,
			Filter:         episodeFilter,
			IdempotencyKey: ".audioUrl",
			MaxAttempts:    defaultMaxAttempts,
			RateLimit:      p.rate,
			RateBurst:      p.burst,
			OnFailure:      p.episodeFailed,
			Fn:             p.processEpisode,
		},
		{
			ID:          HandlerSweepChannels,
			Cron:        p.sweep,
			CronPayload: `{"window": "30m"}`,
			MaxAttempts: defaultMaxAttempts,
			Fn:          p.sweepChannels,
		},
		{
			ID:          HandlerSweepPodcasts,
			Cron:        p.podcasts,
			MaxAttempts: defaultMaxAttempts,
			Fn:          p.sweepPodcasts,
		},
	}
}

// Register adds every pipeline handler to reg.
func (p *Pipeline) Register(reg *engine.Registry) error {
	for _, h := range p.Handlers() {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Result is the output of the processing handlers.
type Result struct {
	Skipped   bool   `json:"skipped,omitempty"`
	UniqueKey string `json:"uniqueKey"`
	ItemID    string `json:"itemId,omitempty"`
	Posts     int    `json:"posts,omitempty"`
}

type created struct {
	ItemID   string `json:"itemId"`
	MediaURL string `json:"mediaUrl"`
}

func (p *Pipeline) processVideo(ctx context.Context, r *engine.Run) (any, error) {
	var in VideoDiscovered
	if err := r.Decode(&in); err != nil {
		return nil, err
	}

	rec, err := engine.Step(r, "create-record", func(ctx context.Context) (*created, error) {
		return p.createRecord(ctx, &MediaItem{
			Kind:            KindVideo,
			UniqueKey:       in.VideoID,
			ChannelID:       in.ChannelID,
			Title:           orUntitled(in.Title),
			DiscoverySource: in.DiscoverySource,
			PublishedAt:     parseTime(in.PublishedAt),
		}, videoURL(in.VideoID))
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return Result{Skipped: true, UniqueKey: in.VideoID}, nil
	}

	summary, err := engine.Step(r, "fetch-metadata", func(ctx context.Context) (string, error) {
		desc, err := p.meta.Description(ctx, in.VideoID)
		if err != nil {
			return "", err
		}
		summary := Summarize(desc)
		if summary == "" {
			return "", nil
		}
		return summary, p.records.Update(ctx, rec.ItemID, MediaUpdate{Summary: &summary})
	})
	if err != nil {
		return nil, err
	}

	transcript, err := p.transcribe(r, rec)
	if err != nil {
		return nil, err
	}

	posts, err := p.generate(r, rec, GenerateRequest{
		Title:       orUntitled(in.Title),
		Transcript:  transcript,
		Summary:     summary,
		PublishedAt: in.PublishedAt,
		Count:       defaultPostCount,
	})
	if err != nil {
		return nil, err
	}

	if err := p.finalize(r, rec); err != nil {
		return nil, err
	}
	return Result{UniqueKey: in.VideoID, ItemID: rec.ItemID, Posts: posts}, nil
}

func (p *Pipeline) processEpisode(ctx context.Context, r *engine.Run) (any, error) {
	var in EpisodeDiscovered
	if err := r.Decode(&in); err != nil {
		return nil, err
	}

	rec, err := engine.Step(r, "create-record", func(ctx context.Context) (*created, error) {
		return p.createRecord(ctx, &MediaItem{
			Kind:            KindEpisode,
			UniqueKey:       in.AudioURL,
			ChannelID:       in.AuthorID,
			Title:           in.displayTitle(),
			DiscoverySource: in.DiscoverySource,
			Summary:         in.Description,
			PublishedAt:     in.published(),
		}, in.AudioURL)
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return Result{Skipped: true, UniqueKey: in.AudioURL}, nil
	}

	transcript, err := p.transcribe(r, rec)
	if err != nil {
		return nil, err
	}

	req := GenerateRequest{
		Title:      in.displayTitle(),
		Transcript: transcript,
		Summary:    in.Description,
		Count:      defaultPostCount,
	}
	if t := in.published(); t != nil {
		req.PublishedAt = t.Format(time.RFC3339)
	}
	posts, err := p.generate(r, rec, req)
	if err != nil {
		return nil, err
	}

	if err := p.finalize(r, rec); err != nil {
		return nil, err
	}
	return Result{UniqueKey: in.AudioURL, ItemID: rec.ItemID, Posts: posts}, nil
}

// createRecord upserts the media item. It returns nil when the item was
// already processed to completion.
func (p *Pipeline) createRecord(ctx context.Context, item *MediaItem, mediaURL string) (*created, error) {
	existing, err := p.records.FindByKey(ctx, item.UniqueKey)
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == StatusCompleted {
		logging.LogWith(ctx, p.logger).Info("media item already processed, skipping", "unique_key", item.UniqueKey)
		return nil, nil
	}

	stored, err := p.records.Upsert(ctx, item)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, p.logger).Info("media item recorded", "item_id", stored.ID, "unique_key", item.UniqueKey)
	return &created{ItemID: stored.ID, MediaURL: mediaURL}, nil
}

func (p *Pipeline) transcribe(r *engine.Run, rec *created) (string, error) {
	return engine.Step(r, "transcribe", func(ctx context.Context) (string, error) {
		if err := p.records.Update(ctx, rec.ItemID, MediaUpdate{Status: StatusTranscribing}); err != nil {
			return "", err
		}
		t, err := p.transcriber.Transcribe(ctx, rec.MediaURL)
		if err != nil {
			return "", err
		}
		if t.Text == "" {
			return "", schema.NonRetryable(schema.NewErrorf(schema.ErrCodeExecution, "empty transcript for %s", rec.MediaURL))
		}
		if err := p.records.Update(ctx, rec.ItemID, MediaUpdate{Status: StatusGenerating, Transcript: &t.Text}); err != nil {
			return "", err
		}
		return t.Text, nil
	})
}

func (p *Pipeline) generate(r *engine.Run, rec *created, req GenerateRequest) (int, error) {
	return engine.Step(r, "generate-posts", func(ctx context.Context) (int, error) {
		gen, err := p.generator.Generate(ctx, req)
		if err != nil {
			return 0, err
		}
		posts := gen.Posts
		if posts == nil {
			posts = []string{}
		}
		if err := p.records.Update(ctx, rec.ItemID, MediaUpdate{Posts: posts}); err != nil {
			return 0, err
		}
		return len(posts), nil
	})
}

func (p *Pipeline) finalize(r *engine.Run, rec *created) error {
	return r.Do("finalize", func(ctx context.Context) error {
		return p.records.Update(ctx, rec.ItemID, MediaUpdate{Status: StatusCompleted})
	})
}

func (p *Pipeline) videoFailed(ctx context.Context, fc engine.FailureContext) error {
	var in VideoDiscovered
	if err := fc.Decode(&in); err != nil {
		return err
	}
	return p.markFailed(ctx, in.VideoID, fc.Err)
}

func (p *Pipeline) episodeFailed(ctx context.Context, fc engine.FailureContext) error {
	var in EpisodeDiscovered
	if err := fc.Decode(&in); err != nil {
		return err
	}
	return p.markFailed(ctx, in.AudioURL, fc.Err)
}

func (p *Pipeline) markFailed(ctx context.Context, key string, cause error) error {
	if key == "" {
		return nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := p.records.MarkFailed(ctx, key, msg)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		// Failed before create-record ran.
		return nil
	}
	return err
}

// SweepResult is the output of the sweep handlers.
type SweepResult struct {
	Channels   int      `json:"channels"`
	Discovered []string `json:"discovered"`
}

func (p *Pipeline) sweepChannels(ctx context.Context, r *engine.Run) (any, error) {
	channels, err := engine.Step(r, "list-channels", func(ctx context.Context) ([]*Channel, error) {
		return p.records.ListChannels(ctx)
	})
	if err != nil {
		return nil, err
	}

	var events []bus.EventInput
	for _, ch := range channels {
		refs, err := engine.Step(r, "discover:"+ch.ID, func(ctx context.Context) ([]VideoRef, error) {
			return p.discover(ctx, ch.ID)
		})
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			data := VideoDiscovered{
				VideoID:         ref.VideoID,
				ChannelID:       ch.ID,
				Title:           ref.Title,
				DiscoverySource: SourceCron,
			}
			if ref.PublishedAt != nil {
				data.PublishedAt = ref.PublishedAt.UTC().Format(time.RFC3339)
			}
			events = append(events, bus.EventInput{Name: EventVideoDiscovered, Data: data})
		}
	}

	ids, err := engine.SendEvents(r, "emit-discoveries", events...)
	if err != nil {
		return nil, err
	}
	return SweepResult{Channels: len(channels), Discovered: ids}, nil
}

// discover returns the channel videos that have no media item yet.
func (p *Pipeline) discover(ctx context.Context, channelID string) ([]VideoRef, error) {
	refs, err := p.meta.ChannelVideos(ctx, channelID)
	if err != nil {
		return nil, err
	}
	unseen := []VideoRef{}
	for _, ref := range refs {
		if ref.VideoID == "" {
			continue
		}
		_, err := p.records.FindByKey(ctx, ref.VideoID)
		switch {
		case schema.HasCode(err, schema.ErrCodeNotFound):
			unseen = append(unseen, ref)
		case err != nil:
			return nil, err
		}
	}
	if err := p.records.TouchChannel(ctx, channelID, p.now()); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, p.logger).Info("channel swept", "channel_id", channelID, "listed", len(refs), "unseen", len(unseen))
	return unseen, nil
}

func (p *Pipeline) sweepPodcasts(ctx context.Context, r *engine.Run) (any, error) {
	feeds, err := engine.Step(r, "list-podcasts", func(ctx context.Context) ([]*Channel, error) {
		chs, err := p.records.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		out := []*Channel{}
		for _, ch := range chs {
			if ch.PodcastTrackID != "" {
				out = append(out, ch)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	var events []bus.EventInput
	for _, ch := range feeds {
		refs, err := engine.Step(r, "discover:"+ch.PodcastTrackID, func(ctx context.Context) ([]EpisodeRef, error) {
			return p.discoverEpisodes(ctx, ch.PodcastTrackID)
		})
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			author := ch.Title
			if author == "" {
				author = ch.ID
			}
			title := ref.Title
			if title == "" {
				title = author + " Podcast"
			}
			events = append(events, bus.EventInput{Name: EventEpisodeDiscovered, Data: EpisodeDiscovered{
				AudioURL:        ref.AudioURL,
				Title:           title,
				PubDate:         ref.PubDate,
				Description:     ref.Description,
				TrackID:         ch.PodcastTrackID,
				AuthorID:        ch.ID,
				AuthorName:      author,
				DiscoverySource: SourceCron,
			}})
		}
	}

	ids, err := engine.SendEvents(r, "emit-discoveries", events...)
	if err != nil {
		return nil, err
	}
	return SweepResult{Channels: len(feeds), Discovered: ids}, nil
}

// discoverEpisodes returns the feed episodes that have no media item yet.
func (p *Pipeline) discoverEpisodes(ctx context.Context, trackID string) ([]EpisodeRef, error) {
	refs, err := p.meta.PodcastEpisodes(ctx, trackID)
	if err != nil {
		return nil, err
	}
	unseen := []EpisodeRef{}
	for _, ref := range refs {
		if ref.AudioURL == "" {
			continue
		}
		_, err := p.records.FindByKey(ctx, ref.AudioURL)
		switch {
		case schema.HasCode(err, schema.ErrCodeNotFound):
			unseen = append(unseen, ref)
		case err != nil:
			return nil, err
		}
	}
	logging.LogWith(ctx, p.logger).Info("podcast swept", "track_id", trackID, "listed", len(refs), "unseen", len(unseen))
	return unseen, nil
}

func orUntitled(title string) string {
	if title == "" {
		return "Untitled"
	}
	return title
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
