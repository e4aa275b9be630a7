package mirrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trackcast/provider"
)

const providerName = "mirrors"

type videoResponse struct {
	AdaptiveFormats []adaptiveFormat `json:"adaptiveFormats"`
}

type adaptiveFormat struct {
	URL     string `json:"url"`
	Type    string `json:"type"`    // mime type, e.g. `audio/webm; codecs="opus"`
	Bitrate string `json:"bitrate"` // mirrors report this as a decimal string
}

// Client iterates a fixed, ordered list of equivalent mirror endpoints and
// succeeds on the first one that yields an audio stream. Exhausting the list
// counts as a single provider failure.
type Client struct {
	mirrors    []string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Entry
}

func New(mirrorBaseURLs []string, timeout time.Duration, rps float64) *Client {
	return &Client{
		mirrors:    mirrorBaseURLs,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     log.WithFields(log.Fields{"module": "mirrors"}),
	}
}

func (c *Client) Name() string {
	return providerName
}

func (c *Client) Resolve(ctx context.Context, trackID string, _ provider.Hints) (*provider.Result, error) {
	span := sentry.StartSpan(ctx, "mirrors.resolve")
	span.Description = "Resolve stream via mirror list"
	span.SetTag("track_id", trackID)
	defer span.Finish()

	if len(c.mirrors) == 0 {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, provider.Rejected(providerName, "no mirrors configured")
	}

	var failures []error
	for _, mirror := range c.mirrors {
		if err := c.limiter.Wait(ctx); err != nil {
			span.Status = sentry.SpanStatusAborted
			return nil, provider.Unreachable(providerName, err)
		}

		result, err := c.resolveFromMirror(ctx, mirror, trackID)
		if err != nil {
			c.logger.Debugf("mirror %s failed for %s: %v", mirror, trackID, err)
			failures = append(failures, fmt.Errorf("%s: %w", mirror, err))
			continue
		}

		span.Status = sentry.SpanStatusOK
		span.SetTag("mirror", mirror)
		c.logger.Debugf("resolved %s via mirror %s", trackID, mirror)
		return result, nil
	}

	span.Status = sentry.SpanStatusUnavailable
	return nil, provider.Unreachable(providerName, errors.Join(failures...))
}

func (c *Client) resolveFromMirror(ctx context.Context, mirror, trackID string) (*provider.Result, error) {
	endpoint := fmt.Sprintf("%s/api/v1/videos/%s", mirror, url.PathEscape(trackID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var video videoResponse
	if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	best := bestAudioFormat(video.AdaptiveFormats)
	if best == nil {
		return nil, errors.New("no audio formats")
	}

	bitrate, _ := strconv.Atoi(best.Bitrate)
	return &provider.Result{
		StreamURL:   best.URL,
		BitrateKbps: bitrate / 1000,
	}, nil
}

func bestAudioFormat(formats []adaptiveFormat) *adaptiveFormat {
	var best *adaptiveFormat
	bestRate := -1
	for i := range formats {
		f := &formats[i]
		if f.URL == "" || !strings.HasPrefix(f.Type, "audio/") {
			continue
		}
		rate, _ := strconv.Atoi(f.Bitrate)
		if rate > bestRate {
			best = f
			bestRate = rate
		}
	}
	return best
}
