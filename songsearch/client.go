package songsearch

import (
	"context"
	"fmt"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"trackcast/provider"
)

const providerName = "songsearch"

// Client is the last resort in the cascade: it looks the track up by text
// query built from the caller's title/artist hints and resolves the top hit
// through the primary aggregator client. The recursion is exactly one level
// deep; it never re-enters the full cascade.
type Client struct {
	apiKey  string
	primary provider.Provider
	logger  *log.Entry
}

func New(apiKey string, primary provider.Provider) *Client {
	return &Client{
		apiKey:  apiKey,
		primary: primary,
		logger:  log.WithFields(log.Fields{"module": "songsearch"}),
	}
}

func (c *Client) Name() string {
	return providerName
}

func (c *Client) Resolve(ctx context.Context, trackID string, hints provider.Hints) (*provider.Result, error) {
	span := sentry.StartSpan(ctx, "songsearch.resolve")
	span.Description = "Search for track and resolve top hit"
	span.SetTag("track_id", trackID)
	defer span.Finish()

	// Without a title there is nothing to search for; guessing from an
	// opaque id would resolve the wrong track.
	if hints.Title == "" {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, provider.Rejected(providerName, "no title hint supplied")
	}
	if c.apiKey == "" {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, provider.Rejected(providerName, "search API key not configured")
	}

	query := buildQuery(hints)
	span.SetTag("query", query)

	videoID, err := c.search(ctx, query)
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		sentry.CaptureException(err)
		return nil, provider.Unreachable(providerName, err)
	}
	if videoID == "" {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(providerName, fmt.Sprintf("no search hits for %q", query))
	}

	c.logger.Debugf("top hit for %q is %s, resolving via %s", query, videoID, c.primary.Name())

	result, err := c.primary.Resolve(ctx, videoID, provider.Hints{})
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(providerName, fmt.Sprintf("top hit %s did not resolve: %v", videoID, err))
	}

	span.Status = sentry.SpanStatusOK
	return result, nil
}

func (c *Client) search(ctx context.Context, query string) (string, error) {
	service, err := ytapi.NewService(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", fmt.Errorf("error creating search client: %w", err)
	}

	call := service.Search.List([]string{"snippet"}).
		Q(query + " (official audio|audio|lyrics)").
		MaxResults(5).
		Type("video").
		VideoCategoryId("10").
		Context(ctx)

	response, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("error querying search API: %w", err)
	}

	for _, item := range response.Items {
		if item.Id.Kind == "youtube#video" && item.Id.VideoId != "" {
			return item.Id.VideoId, nil
		}
	}
	return "", nil
}

func buildQuery(hints provider.Hints) string {
	parts := []string{hints.Title}
	if hints.Artist != "" {
		parts = append(parts, hints.Artist)
	}
	return strings.Join(parts, " ")
}
