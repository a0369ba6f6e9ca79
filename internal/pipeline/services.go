package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/mediaflow/pkg/schema"
)

// VideoRef is one video listed by a channel.
type VideoRef struct {
	VideoID     string     `json:"videoId"`
	Title       string     `json:"title,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// EpisodeRef is one episode listed by a podcast feed. PubDate is in unix
// seconds.
type EpisodeRef struct {
	AudioURL    string `json:"audioUrl"`
	Title       string `json:"title,omitempty"`
	PubDate     int64  `json:"pubDate,omitempty"`
	Description string `json:"description,omitempty"`
}

// Metadata fetches platform metadata for videos, channels and podcasts.
type Metadata interface {
	// Description returns the full description of a video.
	Description(ctx context.Context, videoID string) (string, error)
	// ChannelVideos lists the recent videos of a channel.
	ChannelVideos(ctx context.Context, channelID string) ([]VideoRef, error)
	// PodcastEpisodes lists the latest page of a podcast feed.
	PodcastEpisodes(ctx context.Context, trackID string) ([]EpisodeRef, error)
}

// Transcript is the text of a transcribed recording.
type Transcript struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration"`
}

// Transcriber downloads a recording and transcribes it.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (*Transcript, error)
}

// GenerateRequest is the input of one post generation.
type GenerateRequest struct {
	Title       string `json:"title"`
	Transcript  string `json:"transcript"`
	Summary     string `json:"summary,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Count       int    `json:"count"`
}

// Generation is the generated social posts.
type Generation struct {
	Posts      []string `json:"posts"`
	Model      string   `json:"model,omitempty"`
	TokenCount int      `json:"tokenCount,omitempty"`
}

// Generator produces social posts from a transcript.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}

// ServiceConfig configures a ServiceClient.
type ServiceConfig struct {
	MetadataURL   string
	TranscribeURL string
	GenerateURL   string
	Token         string

	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultServiceTimeout  = 10 * time.Minute
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// ServiceClient implements Metadata, Transcriber and Generator against JSON
// HTTP endpoints.
//
//	GET  {metadata}/videos/{id}            -> {"description": "..."}
//	GET  {metadata}/channels/{id}/videos   -> [{"videoId", "title", "publishedAt"}]
//	GET  {metadata}/podcasts/{id}/episodes -> [{"audioUrl", "title", "pubDate", "description"}]
//	POST {transcribe}/transcriptions       {"url"} -> {"text", "duration"}
//	POST {generate}/generations            GenerateRequest -> Generation
//
// A 4xx response other than 408 and 429 is a non-retryable error; other
// failures are retried by the engine.
type ServiceClient struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewServiceClient creates a ServiceClient.
func NewServiceClient(cfg ServiceConfig) *ServiceClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultServiceTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &ServiceClient{cfg: cfg, client: &http.Client{Transport: transport}}
}

func (c *ServiceClient) Description(ctx context.Context, videoID string) (string, error) {
	var out struct {
		Description string `json:"description"`
	}
	endpoint := c.cfg.MetadataURL + "/videos/" + url.PathEscape(videoID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	return out.Description, nil
}

func (c *ServiceClient) ChannelVideos(ctx context.Context, channelID string) ([]VideoRef, error) {
	var out []VideoRef
	endpoint := c.cfg.MetadataURL + "/channels/" + url.PathEscape(channelID) + "/videos"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) PodcastEpisodes(ctx context.Context, trackID string) ([]EpisodeRef, error) {
	var out []EpisodeRef
	endpoint := c.cfg.MetadataURL + "/podcasts/" + url.PathEscape(trackID) + "/episodes"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) Transcribe(ctx context.Context, mediaURL string) (*Transcript, error) {
	var out Transcript
	body := map[string]string{"url": mediaURL}
	if err := c.do(ctx, http.MethodPost, c.cfg.TranscribeURL+"/transcriptions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ServiceClient) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	var out Generation
	if err := c.do(ctx, http.MethodPost, c.cfg.GenerateURL+"/generations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ServiceClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return schema.NonRetryable(schema.NewErrorf(schema.ErrCodeValidation, "service endpoint %q is not configured", endpoint))
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "marshal request body").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s %s: request failed: %v", method, endpoint, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "read response body").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		fe := schema.NewErrorf(schema.ErrCodeExecution, "%s %s: server returned %d", method, endpoint, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(data), 512)})
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return schema.NonRetryable(fe)
		}
		return fe
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s %s: decode response: %v", method, endpoint, err).WithCause(err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// compile-time interface checks
var (
	_ Metadata    = (*ServiceClient)(nil)
	_ Transcriber = (*ServiceClient)(nil)
	_ Generator   = (*ServiceClient)(nil)
)

func videoURL(videoID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", url.QueryEscape(videoID))
}
