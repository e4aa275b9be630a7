package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"trackcast/provider"
)

// Profile is a client identity presented to the upstream watch page. Some
// profiles get served player payloads that others do not, so the cascade
// registers one extractor per profile.
type Profile struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
}

var (
	ProfileDesktop = Profile{
		Name:           "desktop",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
	}
	ProfileMobile = Profile{
		Name:           "mobile",
		UserAgent:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.8",
	}
)

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	StreamingData struct {
		AdaptiveFormats []adaptiveFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

type adaptiveFormat struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Bitrate  int    `json:"bitrate"` // bits per second
}

type Client struct {
	baseURL    string
	profile    Profile
	httpClient *http.Client
	logger     *log.Entry
}

func New(baseURL string, profile Profile, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		profile:    profile,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(log.Fields{"module": "extractor", "profile": profile.Name}),
	}
}

func (c *Client) Name() string {
	return "extractor:" + c.profile.Name
}

// Resolve fetches the watch page and extracts the embedded player payload.
func (c *Client) Resolve(ctx context.Context, trackID string, _ provider.Hints) (*provider.Result, error) {
	name := c.Name()

	span := sentry.StartSpan(ctx, "extractor.resolve")
	span.Description = "Extract stream from watch page"
	span.SetTag("track_id", trackID)
	span.SetTag("profile", c.profile.Name)
	defer span.Finish()

	endpoint := fmt.Sprintf("%s/watch?v=%s", c.baseURL, url.QueryEscape(trackID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, provider.Rejected(name, err.Error())
	}
	req.Header.Set("User-Agent", c.profile.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", c.profile.AcceptLanguage)

	c.logger.Tracef("fetching watch page for %s", trackID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		return nil, provider.Unreachable(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		span.Status = sentry.SpanStatusUnavailable
		return nil, provider.Unreachable(name, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(name, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, provider.Rejected(name, fmt.Sprintf("failed to parse HTML: %v", err))
	}

	player, err := extractPlayerResponse(doc)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(name, err.Error())
	}

	if player.PlayabilityStatus.Status != "" && player.PlayabilityStatus.Status != "OK" {
		span.Status = sentry.SpanStatusPermissionDenied
		reason := player.PlayabilityStatus.Reason
		if reason == "" {
			reason = player.PlayabilityStatus.Status
		}
		return nil, provider.Rejected(name, "not playable: "+reason)
	}

	best := bestAudioFormat(player.StreamingData.AdaptiveFormats)
	if best == nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, provider.Rejected(name, "no audio-only formats in player payload")
	}

	span.Status = sentry.SpanStatusOK
	span.SetData("bitrate_bps", best.Bitrate)
	c.logger.Debugf("extracted %s stream for %s (%d bps)", best.MimeType, trackID, best.Bitrate)

	return &provider.Result{
		StreamURL:   best.URL,
		Codec:       codecFromMime(best.MimeType),
		BitrateKbps: best.Bitrate / 1000,
	}, nil
}

const playerMarker = "ytInitialPlayerResponse"

// extractPlayerResponse scans inline script tags for the player payload and
// parses the first balanced JSON object after the assignment.
func extractPlayerResponse(doc *goquery.Document) (*playerResponse, error) {
	var player *playerResponse

	doc.Find("script").EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := s.Text()
		idx := strings.Index(text, playerMarker)
		if idx == -1 {
			return true // Continue to next script tag
		}

		raw, ok := balancedJSON(text[idx:])
		if !ok {
			log.Tracef("script block %d mentions player payload but holds no JSON object", i)
			return true
		}

		var parsed playerResponse
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Tracef("failed to parse player payload in block %d: %v", i, err)
			return true
		}

		player = &parsed
		return false
	})

	if player == nil {
		return nil, fmt.Errorf("no player payload found in page")
	}
	return player, nil
}

// balancedJSON returns the first top-level {...} object in s, tracking string
// literals so braces inside values do not unbalance the scan.
func balancedJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func bestAudioFormat(formats []adaptiveFormat) *adaptiveFormat {
	var best *adaptiveFormat
	for i := range formats {
		f := &formats[i]
		if f.URL == "" || !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best
}

// codecFromMime reads the codecs parameter out of a mime type like
// `audio/webm; codecs="opus"`.
func codecFromMime(mime string) string {
	_, params, found := strings.Cut(mime, ";")
	if !found {
		return ""
	}
	_, value, found := strings.Cut(params, "codecs=")
	if !found {
		return ""
	}
	codec := strings.Trim(strings.TrimSpace(value), `"`)
	// Normalize mp4a.40.2 style identifiers to the family name
	if strings.HasPrefix(codec, "mp4a") {
		return "aac"
	}
	if i := strings.IndexByte(codec, '.'); i != -1 {
		codec = codec[:i]
	}
	return codec
}
