package ui

import (
	"io"

	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/stats"
)

// Presenter consumes engine events and displays them.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	Quiet     bool
	// Verbose also reports metadata-only updates and skipped entries.
	Verbose bool
}

// NewPresenter creates the presenter for cfg.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	return &plainPresenter{
		w:       cfg.Writer,
		errW:    cfg.ErrWriter,
		stats:   cfg.Stats,
		quiet:   cfg.Quiet,
		verbose: cfg.Verbose,
	}
}
