package playback

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/maypok86/otter/v2"

	"iptv-sync/work/client"
	"iptv-sync/work/config"
	"iptv-sync/work/logger"
)

// Variant is one quality level extracted from an HLS master playlist.
type Variant struct {
	URI        string
	Bandwidth  uint32
	Resolution string // "WIDTHxHEIGHT", may be empty
	Label      string // derived label like "1080p", or bandwidth label when no resolution
}

// QualitySelector resolves quality labels against HLS master playlists.
// Parsed variant lists are cached with a TTL so rapid quality toggling on the
// same channel doesn't refetch the playlist every time.
type QualitySelector struct {
	cfg        *config.Config
	httpClient *client.AuthClient
	log        *logger.Logger
	cache      *otter.Cache[string, []Variant]
}

func NewQualitySelector(cfg *config.Config, httpClient *client.AuthClient, log *logger.Logger) *QualitySelector {
	cache := otter.Must(&otter.Options[string, []Variant]{
		MaximumSize:      128,
		ExpiryCalculator: otter.ExpiryWriting[string, []Variant](cfg.VariantCacheTTL),
	})

	return &QualitySelector{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.WithTag("[QUALITY]"),
		cache:      cache,
	}
}

// Resolve maps a quality label ("1080p", "720p", "auto", ...) to a variant
// URL of the given master playlist. "auto" or an unknown label picks the
// highest-bandwidth variant. A media playlist (no variants) resolves to the
// input URL unchanged.
func (qs *QualitySelector) Resolve(masterURL, label string) (string, error) {
	variants, err := qs.Variants(masterURL)
	if err != nil {
		return "", err
	}
	if len(variants) == 0 {
		return masterURL, nil
	}

	label = strings.ToLower(strings.TrimSpace(label))

	if label != "" && label != "auto" {
		for _, v := range variants {
			if strings.ToLower(v.Label) == label {
				return v.URI, nil
			}
		}
		qs.log.Debug("no variant labeled %q, falling back to best", label)
	}

	// highest bandwidth wins
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best.URI, nil
}

// Variants fetches and parses the master playlist, serving repeated lookups
// from the TTL cache.
func (qs *QualitySelector) Variants(masterURL string) ([]Variant, error) {
	if cached, ok := qs.cache.GetIfPresent(masterURL); ok {
		return cached, nil
	}

	req, err := http.NewRequest(http.MethodGet, masterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build playlist request: %w", err)
	}

	resp, err := qs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch master playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master playlist fetch returned %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	var variants []Variant
	if listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			variants = append(variants, Variant{
				URI:        resolveVariantURL(masterURL, v.URI),
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				Label:      variantLabel(v.Resolution, v.Bandwidth),
			})
		}
	}

	qs.cache.Set(masterURL, variants)
	return variants, nil
}

// resolveVariantURL makes a variant URI absolute against the master URL.
func resolveVariantURL(masterURL, variantURI string) string {
	base, err := url.Parse(masterURL)
	if err != nil {
		return variantURI
	}
	ref, err := url.Parse(variantURI)
	if err != nil {
		return variantURI
	}
	return base.ResolveReference(ref).String()
}

// variantLabel derives a user-facing quality label: the vertical resolution
// when known ("1080p"), otherwise the bandwidth in kbps ("4500kbps").
func variantLabel(resolution string, bandwidth uint32) string {
	if resolution != "" {
		parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
		if len(parts) == 2 && parts[1] != "" {
			return parts[1] + "p"
		}
	}
	return fmt.Sprintf("%dkbps", bandwidth/1000)
}
