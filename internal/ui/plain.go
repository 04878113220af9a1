package ui

import (
	"fmt"
	"io"

	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/stats"
)

// plainPresenter writes one line per destination change to w and one line
// per failure to errW. Quiet mode keeps only the failures.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   *stats.Collector
	quiet   bool
	verbose bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	for ev := range events {
		p.handleEvent(ev)
	}
	return nil
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	if ev.Type == event.Failed {
		msg := "error"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		fmt.Fprintf(p.errW, "%s failed: %s\n", ev.Path, msg)
		return
	}
	if p.quiet {
		return
	}

	switch ev.Type {
	case event.Copied:
		fmt.Fprintf(p.w, "%-40s copy-ok  %s\n", ev.Path, FormatBytes(ev.Size))
	case event.Linked:
		fmt.Fprintf(p.w, "%-40s link-ok  => %s\n", ev.Path, ev.Source)
	case event.Created:
		fmt.Fprintf(p.w, "%-40s create-ok\n", ev.Path)
	case event.DirCreated:
		fmt.Fprintf(p.w, "%-40s mkdir-ok\n", ev.Path)
	case event.Removed:
		fmt.Fprintf(p.w, "%-40s remove-ok\n", ev.Path)
	case event.WouldRemove:
		fmt.Fprintf(p.w, "%-40s not-removed\n", ev.Path)
	case event.Updated:
		if p.verbose {
			fmt.Fprintf(p.w, "%-40s update-ok\n", ev.Path)
		}
	case event.Skipped:
		if p.verbose {
			fmt.Fprintf(p.w, "%-40s skipped\n", ev.Path)
		}
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
