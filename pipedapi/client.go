package pipedapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trackcast/provider"
)

const providerName = "pipedapi"

type streamsResponse struct {
	Title        string        `json:"title"`
	Uploader     string        `json:"uploader"`
	AudioStreams []audioStream `json:"audioStreams"`
}

type audioStream struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Bitrate int    `json:"bitrate"` // bits per second
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Entry
}

func New(baseURL string, timeout time.Duration, rps float64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     log.WithFields(log.Fields{"module": "pipedapi"}),
	}
}

func (c *Client) Name() string {
	return providerName
}

// Resolve fetches the aggregator's stream manifest for trackID and returns
// the highest-bitrate audio stream.
func (c *Client) Resolve(ctx context.Context, trackID string, _ provider.Hints) (*provider.Result, error) {
	span := sentry.StartSpan(ctx, "pipedapi.resolve")
	span.Description = "Resolve stream via aggregator API"
	span.SetTag("track_id", trackID)
	defer span.Finish()

	if err := c.limiter.Wait(ctx); err != nil {
		span.Status = sentry.SpanStatusAborted
		return nil, provider.Unreachable(providerName, err)
	}

	endpoint := fmt.Sprintf("%s/streams/%s", c.baseURL, url.PathEscape(trackID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, provider.Rejected(providerName, err.Error())
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Tracef("fetching stream manifest for %s", trackID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		return nil, provider.Unreachable(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		span.Status = sentry.SpanStatusUnavailable
		return nil, provider.Unreachable(providerName, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(providerName, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	var manifest streamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, provider.Rejected(providerName, fmt.Sprintf("malformed manifest: %v", err))
	}

	best := bestAudioStream(manifest.AudioStreams)
	if best == nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(providerName, "no audio streams in manifest")
	}

	span.Status = sentry.SpanStatusOK
	span.SetData("bitrate_bps", best.Bitrate)
	c.logger.Debugf("resolved %s via aggregator (%s, %d bps)", trackID, best.Format, best.Bitrate)

	return &provider.Result{
		StreamURL:   best.URL,
		Codec:       best.Codec,
		BitrateKbps: best.Bitrate / 1000,
	}, nil
}

func bestAudioStream(streams []audioStream) *audioStream {
	var best *audioStream
	for i := range streams {
		s := &streams[i]
		if s.URL == "" {
			continue
		}
		if best == nil || s.Bitrate > best.Bitrate {
			best = s
		}
	}
	return best
}
