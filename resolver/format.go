package resolver

import (
	"net/url"
	"strings"
)

// Query parameters that identify the fetching session but are not needed for
// playback. Everything else (expiry, signature, range params) stays.
var sessionParams = []string{"ei", "cver", "c", "cpn", "nonce", "sessionid"}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.Scheme == "http" {
		u.Scheme = "https"
	}

	q := u.Query()
	for _, p := range sessionParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// itag identifiers for the audio-only formats the upstream CDN serves. The
// bitrates are nominal; treat them as labels, not measurements.
var itagFormats = map[string]struct {
	codec   string
	bitrate int
}{
	"139": {"aac", 48},
	"140": {"aac", 128},
	"141": {"aac", 256},
	"171": {"vorbis", 128},
	"172": {"vorbis", 256},
	"249": {"opus", 50},
	"250": {"opus", 70},
	"251": {"opus", 160},
	"599": {"aac", 30},
	"600": {"opus", 35},
}

// sniffFormat guesses codec and bitrate from URL patterns alone: the itag
// parameter when present, otherwise the mime parameter. Best-effort metadata,
// never worth a network round trip.
func sniffFormat(streamURL string) (codec string, bitrateKbps int) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "unknown", 0
	}
	q := u.Query()

	if f, ok := itagFormats[q.Get("itag")]; ok {
		return f.codec, f.bitrate
	}

	switch {
	case strings.HasPrefix(q.Get("mime"), "audio/webm"):
		return "opus", 0
	case strings.HasPrefix(q.Get("mime"), "audio/mp4"):
		return "aac", 0
	case strings.HasPrefix(q.Get("mime"), "audio/mpeg"):
		return "mp3", 0
	}

	switch {
	case strings.Contains(u.Path, ".webm") || strings.Contains(u.Path, ".opus"):
		return "opus", 0
	case strings.Contains(u.Path, ".m4a") || strings.Contains(u.Path, ".mp4"):
		return "aac", 0
	case strings.Contains(u.Path, ".mp3"):
		return "mp3", 0
	case strings.Contains(u.Path, ".ogg"):
		return "vorbis", 0
	}

	return "unknown", 0
}

func normalizeCodec(raw string) string {
	c := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(c, "opus"):
		return "opus"
	case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "aac"), c == "m4a":
		return "aac"
	case strings.HasPrefix(c, "vorbis"), c == "ogg":
		return "vorbis"
	case strings.HasPrefix(c, "mp3"), c == "mpeg":
		return "mp3"
	case c == "webm":
		return "opus"
	}
	return c
}
