package vision

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"deskagent/pkg/types"
)

// Capturer grabs the current display.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// CursorLocator reports the current cursor position.
type CursorLocator interface {
	Location() types.Point
}

// Observer receives capture timings and failures. Optional.
type Observer interface {
	ObserveCapture(d time.Duration, err error)
}

// Entry is one immutable capture. Entries are never modified after publication.
type Entry struct {
	CapturedAt time.Time
	TTL        time.Duration
	Image      image.Image
	Grid       Grid
	Cursor     types.Point
	Generation uint64
	// Empty marks the placeholder returned when no usable capture exists.
	Empty bool
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && !e.Empty && now.Sub(e.CapturedAt) < e.TTL
}

// CursorCell returns the grid cell under the recorded cursor.
func (e *Entry) CursorCell() (Cell, error) {
	return e.Grid.CellAt(e.Cursor.X, e.Cursor.Y)
}

// CacheConfig controls freshness and grid density.
type CacheConfig struct {
	TTL            time.Duration
	StaleTolerance time.Duration
	TargetCells    int
	MinCells       int
}

// Cache holds the latest screen capture. Many goroutines may read it; captures
// publish a new Entry with an atomic swap.
type Cache struct {
	capturer  Capturer
	cursor    CursorLocator
	cfg       CacheConfig
	logger    *zap.Logger
	persister *Persister
	observer  Observer

	current atomic.Pointer[Entry]
	group   singleflight.Group
	now     func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithPersister persists every sensed entry to disk.
func WithPersister(p *Persister) Option { return func(c *Cache) { c.persister = p } }

// WithObserver reports capture outcomes.
func WithObserver(o Observer) Option { return func(c *Cache) { c.observer = o } }

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// NewCache creates an empty cache.
func NewCache(capturer Capturer, cursor CursorLocator, cfg CacheConfig, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		capturer: capturer,
		cursor:   cursor,
		cfg:      cfg,
		logger:   logger.Named("screen-cache"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the latest entry without capturing. The result is marked
// Empty if nothing has been captured yet.
func (c *Cache) Current() *Entry {
	if e := c.current.Load(); e != nil {
		return e
	}
	return &Entry{Empty: true, CapturedAt: c.now()}
}

// Read returns the cached entry while it is fresh, otherwise captures.
// Concurrent readers of an expired entry share a single capture.
func (c *Cache) Read(ctx context.Context) *Entry {
	if e := c.current.Load(); e.Fresh(c.now()) {
		return e
	}
	v, _, _ := c.group.Do("read", func() (any, error) {
		if e := c.current.Load(); e.Fresh(c.now()) {
			return e, nil
		}
		return c.capture(ctx), nil
	})
	return v.(*Entry)
}

// Capture always performs a fresh capture and publishes it.
// It never fails: see capture for the fallback rules.
func (c *Cache) Capture(ctx context.Context) *Entry {
	return c.capture(ctx)
}

// Sense captures and persists the rendered screenshots.
func (c *Cache) Sense(ctx context.Context) *Entry {
	e := c.capture(ctx)
	if c.persister != nil && !e.Empty {
		if err := c.persister.Persist(e); err != nil {
			c.logger.Warn("Failed to persist screenshots", zap.Error(err))
		}
	}
	return e
}

// capture grabs the screen outside any lock. On failure it falls back to the
// previous entry while it is within StaleTolerance, else an Empty entry.
func (c *Cache) capture(ctx context.Context) *Entry {
	started := c.now()
	img, err := c.capturer.Capture(ctx)
	if c.observer != nil {
		c.observer.ObserveCapture(c.now().Sub(started), err)
	}
	if err == nil && (img == nil || img.Bounds().Empty()) {
		err = fmt.Errorf("capturer returned an empty image")
	}
	if err != nil {
		prev := c.current.Load()
		if prev != nil && c.now().Sub(prev.CapturedAt) < c.cfg.StaleTolerance {
			c.logger.Warn("Screen capture failed; serving previous capture",
				zap.Error(err), zap.Uint64("generation", prev.Generation))
			return prev
		}
		c.logger.Warn("Screen capture failed; no usable capture", zap.Error(err))
		return &Entry{Empty: true, CapturedAt: started}
	}

	bounds := img.Bounds()
	grid := Partition(bounds.Dx(), bounds.Dy(), c.cfg.TargetCells, c.cfg.MinCells)
	var cursor types.Point
	if c.cursor != nil {
		cursor = c.cursor.Location().Sub(bounds.Min)
	}

	for {
		prev := c.current.Load()
		if prev != nil && prev.CapturedAt.After(started) {
			// A capture that started later has already been published.
			return prev
		}
		var gen uint64 = 1
		if prev != nil {
			gen = prev.Generation + 1
		}
		next := &Entry{
			CapturedAt: started,
			TTL:        c.cfg.TTL,
			Image:      img,
			Grid:       grid,
			Cursor:     cursor,
			Generation: gen,
		}
		if c.current.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// ResolveCell resolves index against the current partition.
func (c *Cache) ResolveCell(index int) (types.Point, error) {
	return c.Current().Grid.Resolve(index)
}

// ResolveCellAt resolves index only if the current entry is still the capture
// identified by generation.
func (c *Cache) ResolveCellAt(generation uint64, index int) (types.Point, error) {
	e := c.Current()
	if e.Generation != generation {
		return types.Point{}, fmt.Errorf("generation %d, current %d: %w", generation, e.Generation, ErrStaleGrid)
	}
	return e.Grid.Resolve(index)
}

// CellContaining returns the current cell under the point.
func (c *Cache) CellContaining(x, y int) (Cell, error) {
	return c.Current().Grid.CellAt(x, y)
}

// RunPoller keeps the cache warm until ctx is done.
func (c *Cache) RunPoller(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		c.Read(ctx)
	}
}
