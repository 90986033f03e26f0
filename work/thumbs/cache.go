package thumbs

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-sync/work/client"
	"iptv-sync/work/config"
	"iptv-sync/work/logger"
	"iptv-sync/work/metrics"
	"iptv-sync/work/utils"
)

// ImageHandle is an owned decoded snapshot image. Whoever replaces or evicts
// a cache entry must call Release on the handle it displaces; consumers only
// read through Bytes.
type ImageHandle interface {
	Bytes() []byte
	Release()
}

// memoryImage is the in-process ImageHandle. Release drops the backing slice
// so a leaked reference fails loudly instead of silently pinning memory.
type memoryImage struct {
	data     []byte
	released atomic.Bool
}

func (m *memoryImage) Bytes() []byte {
	if m.released.Load() {
		return nil
	}
	return m.data
}

func (m *memoryImage) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.data = nil
	}
}

// Entry is one cached thumbnail. There is at most one entry per channel;
// inserting a new one replaces and releases any prior entry for that key.
type Entry struct {
	ChannelID  string
	Image      ImageHandle
	CapturedAt time.Time
}

// fetchState is the transient per-channel fetch status. A channel with
// fetching=true must not be fetched again concurrently; a channel with a
// non-zero failedAt is not retried until the cooldown has elapsed. The zero
// state (absent from the map) is idle.
type fetchState struct {
	fetching bool
	failedAt time.Time
}

// ChannelRef identifies a channel to prefetch, with an optional stream URL
// the service uses to grab the frame.
type ChannelRef struct {
	ID  string
	URL string
}

// Cache is the shared thumbnail cache used by every channel-grid surface.
// It coalesces concurrent fetches per channel, tracks failures with a
// cooldown window, and primes large grids in bounded-concurrency windows.
//
// All mutations go through atomic map transitions so independent UI
// consumers can hit the cache concurrently without interleaving a read with
// a partial write.
type Cache struct {
	cfg        *config.Config
	httpClient *client.AuthClient
	log        *logger.Logger
	clock      clock.Clock
	pool       *ants.Pool

	entries *xsync.MapOf[string, *Entry]
	states  *xsync.MapOf[string, *fetchState]
}

// New creates the thumbnail cache. The ants pool is shared with the rest of
// the application; batch prefetching bounds its own concurrency per window
// regardless of pool size.
func New(cfg *config.Config, httpClient *client.AuthClient, log *logger.Logger, pool *ants.Pool) *Cache {
	return &Cache{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.WithTag("[THUMBS]"),
		clock:      clock.New(),
		pool:       pool,
		entries:    xsync.NewMapOf[string, *Entry](),
		states:     xsync.NewMapOf[string, *fetchState](),
	}
}

// Get returns the cached image handle for a channel, or nil. Pure read, no
// I/O; staleness is the caller's concern via NeedsRefresh.
func (c *Cache) Get(channelID string) ImageHandle {
	if entry, ok := c.entries.Load(channelID); ok {
		return entry.Image
	}
	return nil
}

// CapturedAt returns when the cached thumbnail for a channel was taken.
func (c *Cache) CapturedAt(channelID string) (time.Time, bool) {
	if entry, ok := c.entries.Load(channelID); ok {
		return entry.CapturedAt, true
	}
	return time.Time{}, false
}

// IsFetching reports whether a fetch for the channel is currently in flight.
func (c *Cache) IsFetching(channelID string) bool {
	state, ok := c.states.Load(channelID)
	return ok && state.fetching
}

// HasFailed reports whether the channel is inside its failure cooldown
// window. The failure expires by query time, not by a background timer.
func (c *Cache) HasFailed(channelID string) bool {
	state, ok := c.states.Load(channelID)
	if !ok || state.failedAt.IsZero() {
		return false
	}
	return c.clock.Since(state.failedAt) < c.cfg.ThumbCooldown
}

// NeedsRefresh reports whether no thumbnail exists for the channel or the
// cached one is older than maxAge.
func (c *Cache) NeedsRefresh(channelID string, maxAge time.Duration) bool {
	entry, ok := c.entries.Load(channelID)
	if !ok {
		return true
	}
	return c.clock.Since(entry.CapturedAt) > maxAge
}

// Fetch returns the channel's thumbnail, fetching it from the service when
// the cache has nothing fresh.
//
// Behavior:
//  1. A fresh cached entry is returned without I/O.
//  2. If a fetch is already in flight, nil is returned immediately; the
//     caller relies on the eventual cache update. At most one fetch per
//     channel is ever on the wire.
//  3. If the channel failed recently and the cooldown has not elapsed, nil
//     is returned without an attempt.
//  4. Otherwise the channel is marked fetching, the request is issued, and
//     on success the entry replaces (and releases) any prior one.
//
// A failed request records the failure time and returns nil; the absence is
// surfaced to the user as a fallback image, never as an error.
func (c *Cache) Fetch(channelID, streamURL string) ImageHandle {
	if !c.NeedsRefresh(channelID, c.cfg.ThumbMaxAge) {
		metrics.ThumbnailFetches.WithLabelValues("hit").Inc()
		return c.Get(channelID)
	}

	if !c.claim(channelID) {
		return nil
	}

	metrics.ThumbnailFetches.WithLabelValues("miss").Inc()
	metrics.ThumbnailInflight.Inc()
	defer metrics.ThumbnailInflight.Dec()

	data, err := c.request(channelID, streamURL)
	if err != nil {
		c.log.Debug("fetch failed for channel %s (%s): %v", channelID, utils.LogURL(c.cfg, streamURL), err)
		metrics.ThumbnailFetches.WithLabelValues("error").Inc()
		c.states.Store(channelID, &fetchState{failedAt: c.clock.Now()})
		return nil
	}

	image := &memoryImage{data: data}
	c.insert(channelID, image)
	c.states.Delete(channelID)

	return image
}

// claim atomically transitions the channel to fetching. It returns false when
// another fetch is already in flight or the failure cooldown still holds, in
// which case the caller must not issue a request.
func (c *Cache) claim(channelID string) bool {
	claimed := false
	c.states.Compute(channelID, func(old *fetchState, loaded bool) (*fetchState, bool) {
		if loaded && old.fetching {
			metrics.ThumbnailFetches.WithLabelValues("coalesced").Inc()
			return old, false
		}
		if loaded && !old.failedAt.IsZero() && c.clock.Since(old.failedAt) < c.cfg.ThumbCooldown {
			metrics.ThumbnailFetches.WithLabelValues("cooldown").Inc()
			return old, false
		}
		claimed = true
		return &fetchState{fetching: true}, false
	})
	return claimed
}

// insert stores a freshly fetched thumbnail, releasing the handle it replaces.
func (c *Cache) insert(channelID string, image ImageHandle) {
	entry := &Entry{
		ChannelID:  channelID,
		Image:      image,
		CapturedAt: c.clock.Now(),
	}
	if prior, ok := c.entries.LoadAndStore(channelID, entry); ok {
		prior.Image.Release()
	}
}

// request performs the actual service call. The t parameter buckets requests
// into fixed windows so repeated fetches within the same window can be served
// by any intermediary cache.
func (c *Cache) request(channelID, streamURL string) ([]byte, error) {
	bucket := c.clock.Now().UnixMilli() / c.cfg.ThumbBucket.Milliseconds()

	reqURL := fmt.Sprintf("%s/thumbnail/%s?t=%d", c.cfg.ServiceURL, url.PathEscape(channelID), bucket)
	if streamURL != "" {
		reqURL += "&url=" + url.QueryEscape(streamURL)
	}

	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("thumbnail service returned %d for channel %s", resp.StatusCode, channelID)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty thumbnail for channel %s", channelID)
	}

	return data, nil
}

// FetchBatch primes thumbnails for a set of channels, skipping anything
// cached-fresh, in flight, or cooling down, then fetching the remainder in
// fixed windows of the given concurrency. Each window fully settles before
// the next starts, so a large grid never opens more than `concurrency`
// simultaneous connections.
func (c *Cache) FetchBatch(channels []ChannelRef, concurrency int) {
	if concurrency <= 0 {
		concurrency = c.cfg.BatchConcurrency
	}

	pending := make([]ChannelRef, 0, len(channels))
	for _, ch := range channels {
		if !c.NeedsRefresh(ch.ID, c.cfg.ThumbMaxAge) || c.IsFetching(ch.ID) || c.HasFailed(ch.ID) {
			continue
		}
		pending = append(pending, ch)
	}

	if len(pending) == 0 {
		return
	}

	c.log.Debug("prefetching %d thumbnails, %d at a time", len(pending), concurrency)

	for start := 0; start < len(pending); start += concurrency {
		end := start + concurrency
		if end > len(pending) {
			end = len(pending)
		}

		var wg sync.WaitGroup
		for _, ch := range pending[start:end] {
			ch := ch
			wg.Add(1)
			task := func() {
				defer wg.Done()
				c.Fetch(ch.ID, ch.URL)
			}
			if err := c.pool.Submit(task); err != nil {
				// pool saturated or released, run in the window's own goroutine
				go task()
			}
		}
		wg.Wait()
	}
}

// Clear evicts a single channel's thumbnail, releasing its image handle.
func (c *Cache) Clear(channelID string) {
	if entry, ok := c.entries.LoadAndDelete(channelID); ok {
		entry.Image.Release()
	}
	c.states.Delete(channelID)
}

// ClearAll evicts every thumbnail, releasing all owned image handles. Called
// at application shutdown.
func (c *Cache) ClearAll() {
	c.entries.Range(func(key string, entry *Entry) bool {
		c.entries.Delete(key)
		entry.Image.Release()
		return true
	})
	c.states.Range(func(key string, _ *fetchState) bool {
		c.states.Delete(key)
		return true
	})
}

// Stats returns cache occupancy numbers for the control surface.
func (c *Cache) Stats() (count int, bytes int64) {
	c.entries.Range(func(_ string, entry *Entry) bool {
		count++
		if b := entry.Image.Bytes(); b != nil {
			bytes += int64(len(b))
		}
		return true
	})
	return count, bytes
}
