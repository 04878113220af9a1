// Package engine mirrors a source tree onto a destination tree. Both sides
// are reached through transport.Host, so either may live on a remote peer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/treedup/internal/digest"
	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/stats"
	"github.com/bamsammich/treedup/internal/transport"
)

// ChunkSize is the amount of file data moved per read or write call.
const ChunkSize = 32 << 10

// ErrSafety is returned when a non-directory would replace a destination
// directory and the safety check is enabled.
var ErrSafety = errors.New("refusing to replace a directory with a non-directory")

// Verify selects how regular files are compared.
type Verify int

const (
	// VerifyOff compares size and modification time (whole seconds).
	VerifyOff Verify = iota
	// VerifyDigest also compares content digests through the digest cache.
	VerifyDigest
	// VerifyBytes compares size and full content. Modification time is
	// ignored.
	VerifyBytes
)

func (v Verify) String() string {
	switch v {
	case VerifyDigest:
		return "digest"
	case VerifyBytes:
		return "bytes"
	default:
		return "off"
	}
}

// ParseVerify converts "off", "digest" or "bytes" to a Verify level.
func ParseVerify(s string) (Verify, error) {
	switch s {
	case "", "off":
		return VerifyOff, nil
	case "digest":
		return VerifyDigest, nil
	case "bytes":
		return VerifyBytes, nil
	default:
		return VerifyOff, fmt.Errorf("unknown verify level %q (want off, digest or bytes)", s)
	}
}

// Prompter confirms destination removals in interactive mode.
type Prompter interface {
	ConfirmRemove(path string, dir bool) (bool, error)
}

// Config describes one mirroring run.
type Config struct {
	SrcHost transport.Host
	Src     string
	DstHost transport.Host
	// Dst is empty for a source-only run, which walks the source and
	// refreshes the digest cache when Verify is VerifyDigest.
	Dst string

	Force   bool
	Verify  Verify
	LinkRef string // reference tree on the destination host

	NoRemove    bool
	Interactive bool
	Prompter    Prompter
	NoSafety    bool
	NoDevices   bool

	ExcludeFile string // per-directory exclusion file name
	DigestFile  string // per-directory digest cache name; digest.DefaultFileName when empty
	BWLimit     int64  // bytes per second written to the destination; 0 is unlimited

	Events chan<- event.Event
	Stats  *stats.Collector
}

// Result is the outcome of a run.
type Result struct {
	Stats stats.Snapshot
	// Err is a fatal error that stopped the run early. Per-entry failures
	// only show up in Stats.Failures.
	Err error
}

type engine struct {
	cfg     Config
	src     transport.Host
	dst     transport.Host
	stats   *stats.Collector
	links   *hardlinks
	digests *digest.Cache
	tmps    *tmpRegistry
	limiter *rate.Limiter
	priv    privileges

	srcDev uint64
	dstDev uint64
	buf    []byte
}

// Run executes a mirroring run, blocking until complete.
func Run(ctx context.Context, cfg Config) Result {
	e, err := newEngine(cfg)
	if err != nil {
		return Result{Err: err}
	}

	err = e.run(ctx)
	if e.digests != nil {
		if ferr := e.digests.Flush(); ferr != nil {
			slog.Warn("digest cache not saved", "error", ferr)
		}
	}
	return Result{Stats: e.stats.Snapshot(), Err: err}
}

func newEngine(cfg Config) (*engine, error) {
	if cfg.SrcHost == nil || cfg.Src == "" {
		return nil, errors.New("no source given")
	}
	if cfg.Dst != "" && cfg.DstHost == nil {
		return nil, errors.New("no destination host given")
	}
	if cfg.Interactive && cfg.Prompter == nil && !cfg.NoRemove {
		return nil, errors.New("interactive removal needs a prompter")
	}

	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	e := &engine{
		cfg:   cfg,
		src:   cfg.SrcHost,
		dst:   cfg.DstHost,
		stats: cfg.Stats,
		links: newHardlinks(),
		buf:   make([]byte, ChunkSize),
	}
	if cfg.Verify == VerifyDigest {
		e.digests = digest.New(cfg.SrcHost, cfg.DigestFile)
	}
	if cfg.BWLimit > 0 {
		e.limiter = NewBWLimiter(cfg.BWLimit)
	}
	if cfg.DstHost != nil {
		e.tmps = newTmpRegistry(cfg.DstHost)
	}
	return e, nil
}

func (e *engine) run(ctx context.Context) error {
	sst, err := e.src.Lstat(e.cfg.Src)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	e.srcDev = sst.Dev

	if e.cfg.Dst == "" {
		return e.scanOnly(ctx, e.cfg.Src, sst)
	}

	if e.priv, err = loadPrivileges(e.dst); err != nil {
		return fmt.Errorf("destination privileges: %w", err)
	}

	var dst *transport.Stat
	dstRoot, err := e.dst.Lstat(e.cfg.Dst)
	switch {
	case err == nil:
		dst = &dstRoot
		e.dstDev = dstRoot.Dev
	case !transport.IsNotExist(err):
		return fmt.Errorf("destination: %w", err)
	}

	err = e.syncEntry(ctx, item{spath: e.cfg.Src, dpath: e.cfg.Dst}, sst, dst)
	if err != nil {
		e.tmps.cleanup()
	}
	return err
}

// item names one entry on both sides. rel is its path below the roots and
// locates the matching entry of the reference tree.
type item struct {
	spath string
	dpath string
	rel   string
}

func (it item) child(name string) item {
	return item{
		spath: filepath.Join(it.spath, name),
		dpath: filepath.Join(it.dpath, name),
		rel:   filepath.Join(it.rel, name),
	}
}

func (e *engine) emit(ctx context.Context, ev event.Event) {
	if e.cfg.Events == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case e.cfg.Events <- ev:
	case <-ctx.Done():
	}
}

// fatal reports whether err must stop the whole run rather than just the
// current entry.
func fatal(err error) bool {
	return errors.Is(err, transport.ErrHostLost) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errPrompt)
}

// fail records a per-entry failure.
func (e *engine) fail(ctx context.Context, path string, err error) {
	e.stats.AddFailures(1)
	slog.Debug("entry failed", "path", path, "error", err)
	e.emit(ctx, event.Event{Type: event.Failed, Path: path, Error: err})
}

// scanOnly walks the source without a destination, refreshing digests when
// digest verification is on.
func (e *engine) scanOnly(ctx context.Context, path string, st transport.Stat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.stats.AddEntriesScanned(1)

	switch {
	case st.IsRegular():
		if e.digests == nil {
			return nil
		}
		if _, err := e.digests.Refresh(ctx, path); err != nil {
			if fatal(err) {
				return err
			}
			e.fail(ctx, path, err)
		}
		return nil
	case !st.IsDir():
		return nil
	case st.Dev != e.srcDev:
		slog.Debug("not crossing filesystem boundary", "path", path)
		return nil
	}

	excl, err := e.exclusions(path)
	if err != nil {
		if fatal(err) {
			return err
		}
		e.fail(ctx, path, err)
		return nil
	}
	ents, err := e.src.ScanDir(path)
	if err != nil {
		if fatal(err) {
			return err
		}
		e.fail(ctx, path, err)
		return nil
	}
	sortEntries(ents)
	for _, ent := range ents {
		if excl.Excluded(ent.Name) {
			continue
		}
		if err := e.scanOnly(ctx, filepath.Join(path, ent.Name), ent.Stat); err != nil {
			return err
		}
	}
	return nil
}
