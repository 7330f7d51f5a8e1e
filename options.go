package framecore

import (
	"log/slog"
	"time"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/geometry"
	"github.com/gogpu/framecore/staging"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := framecore.New(device,
//	    framecore.WithStagingPages(3),
//	    framecore.WithFenceTimeout(2*time.Second),
//	)
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	stagingPages    int
	stagingPageSize uint64
	arenaSize       uint64
	geometrySize    uint64
	fenceTimeout    time.Duration
	workers         int
	clearColor      [4]float64
	logger          *slog.Logger
}

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		stagingPages:    staging.DefaultPages,
		stagingPageSize: staging.DefaultPageSize,
		arenaSize:       descriptor.DefaultArenaSize,
		geometrySize:    geometry.DefaultSize,
		fenceTimeout:    0, // unbounded
		workers:         0, // GOMAXPROCS
	}
}

// WithStagingPages sets the number of staging ring pages.
func WithStagingPages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.stagingPages = n
		}
	}
}

// WithStagingPageSize sets the size of each staging page in bytes.
func WithStagingPageSize(size uint64) Option {
	return func(o *options) {
		if size > 0 {
			o.stagingPageSize = size
		}
	}
}

// WithUniformArenaSize sets the size of the uniform arena used by
// descriptor uniform bindings.
func WithUniformArenaSize(size uint64) Option {
	return func(o *options) {
		if size > 0 {
			o.arenaSize = size
		}
	}
}

// WithGeometrySize sets the size of the shared geometry buffer that
// vertex and index ranges are allocated from.
func WithGeometrySize(size uint64) Option {
	return func(o *options) {
		if size > 0 {
			o.geometrySize = size
		}
	}
}

// WithFenceTimeout bounds every CPU wait on a GPU fence. Hitting the bound
// means the device is treated as lost. Zero waits forever.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fenceTimeout = d
	}
}

// WithWorkers sets the number of pipeline compilation workers.
// Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithClearColor sets the color the frame target is cleared to.
func WithClearColor(r, g, b, a float64) Option {
	return func(o *options) {
		o.clearColor = [4]float64{r, g, b, a}
	}
}

// WithLogger installs l as the framecore logger (see SetLogger) and hands
// it to the device when the device accepts one.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
