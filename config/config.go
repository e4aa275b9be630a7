package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ConfigStruct struct {
	Cache     CacheConfig
	Providers ProviderConfig
	Options   Options
}

type CacheConfig struct {
	TTL           time.Duration
	RefreshWindow time.Duration
	EvictionGrace time.Duration
	MemoryLimit   int
	DBPath        string
}

type ProviderConfig struct {
	PipedBaseURL   string
	ExtractorBase  string
	MirrorBaseURLs []string
	SearchAPIKey   string
	Timeout        time.Duration
	RequestsPerSec float64
}

type Options struct {
	Port            string
	RefreshInterval time.Duration
	CleanupInterval time.Duration
}

func (p *ProviderConfig) SearchEnabled() bool {
	return p.SearchAPIKey != ""
}

var Config *ConfigStruct

func NewConfig() {
	config := &ConfigStruct{
		Cache: CacheConfig{
			TTL:           getCacheTTL(),
			RefreshWindow: getRefreshWindow(),
			EvictionGrace: getEvictionGrace(),
			MemoryLimit:   getMemoryLimit(),
			DBPath:        os.Getenv("DB_PATH"),
		},
		Providers: ProviderConfig{
			PipedBaseURL:   getBaseURL("PIPED_BASE_URL", "https://pipedapi.kavin.rocks"),
			ExtractorBase:  getBaseURL("EXTRACTOR_BASE_URL", "https://www.youtube.com"),
			MirrorBaseURLs: getMirrorBaseURLs(),
			SearchAPIKey:   os.Getenv("YOUTUBE_API_KEY"),
			Timeout:        getProviderTimeout(),
			RequestsPerSec: getRequestsPerSec(),
		},
		Options: Options{
			Port:            os.Getenv("PORT"),
			RefreshInterval: getSweepInterval("REFRESH_INTERVAL_MINUTES", 15),
			CleanupInterval: getSweepInterval("CLEANUP_INTERVAL_MINUTES", 60),
		},
	}

	Config = config
}

func getCacheTTL() time.Duration {
	hoursStr := os.Getenv("CACHE_TTL_HOURS")
	if hoursStr == "" {
		return 6 * time.Hour
	}
	hours, err := strconv.Atoi(hoursStr)
	if err != nil || hours <= 0 {
		return 6 * time.Hour
	}
	if hours > 24 {
		return 24 * time.Hour // Stream URLs rarely outlive a day upstream
	}
	return time.Duration(hours) * time.Hour
}

func getRefreshWindow() time.Duration {
	minutesStr := os.Getenv("REFRESH_WINDOW_MINUTES")
	if minutesStr == "" {
		return 30 * time.Minute
	}
	minutes, err := strconv.Atoi(minutesStr)
	if err != nil || minutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(minutes) * time.Minute
}

func getEvictionGrace() time.Duration {
	hoursStr := os.Getenv("EVICTION_GRACE_HOURS")
	if hoursStr == "" {
		return 24 * time.Hour
	}
	hours, err := strconv.Atoi(hoursStr)
	if err != nil || hours < 0 {
		return 24 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func getMemoryLimit() int {
	limitStr := os.Getenv("MEMORY_CACHE_LIMIT")
	if limitStr == "" {
		return 256
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return 256
	}
	if limit > 4096 {
		return 4096 // Cap so heavy prefetching cannot balloon the heap
	}
	return limit
}

func getProviderTimeout() time.Duration {
	secondsStr := os.Getenv("PROVIDER_TIMEOUT_SECONDS")
	if secondsStr == "" {
		return 10 * time.Second
	}
	seconds, err := strconv.Atoi(secondsStr)
	if err != nil || seconds <= 0 {
		return 10 * time.Second
	}
	// Keep per-call timeouts inside the 8-15s band the cascade is tuned for
	if seconds < 8 {
		return 8 * time.Second
	}
	if seconds > 15 {
		return 15 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func getRequestsPerSec() float64 {
	rpsStr := os.Getenv("PROVIDER_REQUESTS_PER_SEC")
	if rpsStr == "" {
		return 4
	}
	rps, err := strconv.ParseFloat(rpsStr, 64)
	if err != nil || rps <= 0 {
		return 4
	}
	if rps > 50 {
		return 50
	}
	return rps
}

func getBaseURL(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return strings.TrimRight(raw, "/")
}

func getMirrorBaseURLs() []string {
	raw := os.Getenv("MIRROR_BASE_URLS")
	if raw == "" {
		return []string{
			"https://inv.nadeko.net",
			"https://invidious.nerdvpn.de",
			"https://yewtu.be",
		}
	}
	var mirrors []string
	for _, m := range strings.Split(raw, ",") {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m != "" {
			mirrors = append(mirrors, m)
		}
	}
	return mirrors
}

func getSweepInterval(key string, defaultMinutes int) time.Duration {
	minutesStr := os.Getenv(key)
	if minutesStr == "" {
		return time.Duration(defaultMinutes) * time.Minute
	}
	minutes, err := strconv.Atoi(minutesStr)
	if err != nil || minutes <= 0 {
		return time.Duration(defaultMinutes) * time.Minute
	}
	return time.Duration(minutes) * time.Minute
}
