package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/transport"
)

// errPrompt wraps an error returned by the Prompter. It ends the run.
var errPrompt = errors.New("removal prompt")

// removeExtra deletes a destination entry that has no source counterpart,
// unless removals are disabled or declined at the prompt.
func (e *engine) removeExtra(ctx context.Context, path string, st transport.Stat) error {
	if e.cfg.NoRemove {
		e.wouldRemove(ctx, path)
		return nil
	}
	if e.cfg.Interactive {
		ok, err := e.cfg.Prompter.ConfirmRemove(path, st.IsDir())
		if err != nil {
			return fmt.Errorf("%w: %w", errPrompt, err)
		}
		if !ok {
			e.wouldRemove(ctx, path)
			return nil
		}
	}
	return e.removeTree(ctx, path, st)
}

func (e *engine) wouldRemove(ctx context.Context, path string) {
	e.stats.AddWouldRemove(1)
	e.emit(ctx, event.Event{Type: event.WouldRemove, Path: path})
}

// removeTree deletes path and, for a directory, everything below it,
// children first.
func (e *engine) removeTree(ctx context.Context, path string, st transport.Stat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if st.IsDir() {
		if st.Perm()&0o700 != 0o700 {
			e.dst.Chmod(path, st.Perm()|0o700) //nolint:errcheck // removal below reports the failure
		}
		ents, err := e.dst.ScanDir(path)
		if err != nil {
			return err
		}
		sortEntries(ents)
		for _, ent := range ents {
			if err := e.removeTree(ctx, filepath.Join(path, ent.Name), ent.Stat); err != nil {
				return err
			}
		}
	}

	remove := e.dst.Remove
	if st.IsDir() {
		remove = e.dst.Rmdir
	}
	err := remove(path)
	if err != nil && st.Flags&lockFlags != 0 && (errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)) {
		kind := metaFile
		if st.IsSymlink() {
			kind = metaSymlink
		}
		if ferr := e.setFlags(path, 0, kind); ferr == nil {
			err = remove(path)
		}
	}
	if err != nil && !transport.IsNotExist(err) {
		return err
	}

	e.stats.AddEntriesRemoved(1)
	e.emit(ctx, event.Event{Type: event.Removed, Path: path})
	return nil
}
