package resolver

import (
	"context"
	"fmt"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"trackcast/provider"
)

// Descriptor is the normalized output of a successful resolution.
type Descriptor struct {
	StreamURL   string
	Codec       string
	BitrateKbps int
}

// Attempt records one provider failure inside a cascade run.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError reports that every provider in the cascade failed.
type ExhaustedError struct {
	TrackID  string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all providers exhausted for %s: [%s]", e.TrackID, strings.Join(reasons, "; "))
}

// Resolver runs the provider cascade: strictly sequential, fixed priority
// order, first success wins. It performs no retries of its own; the mirror
// provider's internal list iteration is the only repetition in the system.
type Resolver struct {
	providers []provider.Provider
	logger    *log.Entry
}

func New(providers ...provider.Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    log.WithFields(log.Fields{"module": "resolver"}),
	}
}

func (r *Resolver) Resolve(ctx context.Context, trackID string, hints provider.Hints) (*Descriptor, error) {
	span := sentry.StartSpan(ctx, "resolver.resolve")
	span.Description = "Run provider cascade"
	span.SetTag("track_id", trackID)
	defer span.Finish()

	var attempts []Attempt
	for _, p := range r.providers {
		result, err := p.Resolve(ctx, trackID, hints)
		if err != nil {
			r.logger.Warnf("provider %s failed for %s: %v", p.Name(), trackID, err)
			attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})
			continue
		}

		desc := normalize(result)
		span.Status = sentry.SpanStatusOK
		span.SetTag("provider", p.Name())
		r.logger.Infof("resolved %s via %s (codec=%s, bitrate=%dkbps)",
			trackID, p.Name(), desc.Codec, desc.BitrateKbps)
		return desc, nil
	}

	span.Status = sentry.SpanStatusNotFound
	err := &ExhaustedError{TrackID: trackID, Attempts: attempts}
	sentry.CaptureException(err)
	return nil, err
}

// normalize upgrades the scheme, strips session-specific query parameters and
// fills in codec/bitrate from URL inspection when the provider reported none.
func normalize(result *provider.Result) *Descriptor {
	cleanURL := normalizeURL(result.StreamURL)
	codec, bitrate := sniffFormat(cleanURL)
	if result.Codec != "" {
		codec = normalizeCodec(result.Codec)
	}
	if result.BitrateKbps > 0 {
		bitrate = result.BitrateKbps
	}
	return &Descriptor{
		StreamURL:   cleanURL,
		Codec:       codec,
		BitrateKbps: bitrate,
	}
}
