// Package digest keeps a per-directory cache of file content digests. The
// cache for a directory lives in a file inside that directory, one line per
// file:
//
//	<hex-digest> <name-length> <name>
//
// The name is written verbatim and its length is counted in bytes, so names
// may contain spaces or newlines.
package digest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/bamsammich/treedup/internal/transport"
)

// DefaultFileName is the name of the per-directory cache file.
const DefaultFileName = ".TREEDUP.DIGESTS"

var errTruncated = errors.New("truncated digest line")

type entry struct {
	digest  string
	touched bool
}

type dirCache struct {
	entries map[string]*entry
	dirty   bool
}

// Cache maps files of the source tree to their last known digest. Cache
// files are read and written through the source host. Nothing is written
// until Flush.
type Cache struct {
	host     transport.Host
	fileName string
	dirs     map[string]*dirCache
}

// New creates a cache whose files are named fileName (DefaultFileName when
// empty) and live on host.
func New(host transport.Host, fileName string) *Cache {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &Cache{host: host, fileName: fileName, dirs: make(map[string]*dirCache)}
}

// FileName returns the name of the per-directory cache file.
func (c *Cache) FileName() string { return c.fileName }

func (c *Cache) dir(dir string) *dirCache {
	if d, ok := c.dirs[dir]; ok {
		return d
	}
	d := &dirCache{entries: make(map[string]*entry)}
	c.dirs[dir] = d
	if err := c.load(dir, d); err != nil && !transport.IsNotExist(err) {
		slog.Warn("ignoring unreadable digest cache", "dir", dir, "error", err)
	}
	return d
}

func (c *Cache) load(dir string, d *dirCache) error {
	path := filepath.Join(dir, c.fileName)
	fd, err := c.host.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer c.host.CloseFile(fd) //nolint:errcheck // read-only descriptor

	var data bytes.Buffer
	buf := make([]byte, chunkSize)
	for {
		n, err := c.host.Read(fd, buf)
		data.Write(buf[:n])
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return err
		}
	}
	return parse(data.Bytes(), d)
}

// parse reads cache lines into d. Parsing stops at the first malformed
// line; everything before it is kept.
func parse(data []byte, d *dirCache) error {
	r := bufio.NewReader(bytes.NewReader(data))
	for {
		hexDigest, err := r.ReadString(' ')
		if errors.Is(err, io.EOF) && hexDigest == "" {
			return nil
		}
		if err != nil {
			return errTruncated
		}
		lenField, err := r.ReadString(' ')
		if err != nil {
			return errTruncated
		}
		n, err := strconv.Atoi(lenField[:len(lenField)-1])
		if err != nil || n <= 0 || n > 4096 {
			return fmt.Errorf("bad name length %q", lenField)
		}
		name := make([]byte, n+1)
		if _, err := io.ReadFull(r, name); err != nil || name[n] != '\n' {
			return errTruncated
		}
		d.entries[string(name[:n])] = &entry{digest: hexDigest[:len(hexDigest)-1]}
	}
}

// Lookup returns the cached digest of dir/name and marks it as in use.
func (c *Cache) Lookup(dir, name string) (string, bool) {
	e, ok := c.dir(dir).entries[name]
	if !ok {
		return "", false
	}
	e.touched = true
	return e.digest, true
}

// Update records digest for dir/name.
func (c *Cache) Update(dir, name, digest string) {
	d := c.dir(dir)
	e, ok := d.entries[name]
	if ok && e.digest == digest {
		e.touched = true
		return
	}
	d.entries[name] = &entry{digest: digest, touched: true}
	d.dirty = true
}

// Digest returns the digest of the source file at path, from the cache
// when known and by hashing it otherwise.
func (c *Cache) Digest(ctx context.Context, path string) (string, error) {
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)
	if sum, ok := c.Lookup(dir, name); ok {
		return sum, nil
	}
	return c.Refresh(ctx, path)
}

// Refresh hashes the source file at path and stores the result.
func (c *Cache) Refresh(ctx context.Context, path string) (string, error) {
	sum, err := HashFile(ctx, c.host, path)
	if err != nil {
		return "", err
	}
	dir, name := filepath.Split(path)
	c.Update(filepath.Clean(dir), name, sum)
	return sum, nil
}

// Check reports whether the source file spath and the destination file
// dpath on dst have equal content. A mismatch against a cached source
// digest re-hashes the source once, so a stale entry costs one extra read
// and is then corrected.
func (c *Cache) Check(ctx context.Context, spath string, dst transport.Host, dpath string) (bool, error) {
	dir, name := filepath.Split(spath)
	dir = filepath.Clean(dir)

	srcSum, cached := c.Lookup(dir, name)
	if !cached {
		var err error
		if srcSum, err = c.Refresh(ctx, spath); err != nil {
			return false, err
		}
	}
	dstSum, err := HashFile(ctx, dst, dpath)
	if err != nil {
		return false, err
	}
	if srcSum == dstSum {
		return true, nil
	}
	if !cached {
		return false, nil
	}
	fresh, err := c.Refresh(ctx, spath)
	if err != nil {
		return false, err
	}
	return fresh == dstSum, nil
}

// Flush writes back every directory cache that changed. Only entries used
// during this run are kept. Each file is replaced atomically.
func (c *Cache) Flush() error {
	dirs := make([]string, 0, len(c.dirs))
	for dir, d := range c.dirs {
		if d.dirty {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	var errs []error
	for _, dir := range dirs {
		if err := c.write(dir, c.dirs[dir]); err != nil {
			errs = append(errs, fmt.Errorf("write digest cache in %s: %w", dir, err))
			continue
		}
		c.dirs[dir].dirty = false
	}
	return errors.Join(errs...)
}

func (c *Cache) write(dir string, d *dirCache) error {
	names := make([]string, 0, len(d.entries))
	for name, e := range d.entries {
		if e.touched {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s %d %s\n", d.entries[name].digest, len(name), name)
	}

	final := filepath.Join(dir, c.fileName)
	tmp := filepath.Join(dir, "."+c.fileName+"."+uuid.NewString()[:8])
	fd, err := c.host.Open(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := c.host.Write(fd, buf.Bytes()); err != nil {
		c.host.CloseFile(fd) //nolint:errcheck // already failing
		c.host.Remove(tmp)   //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := c.host.CloseFile(fd); err != nil {
		c.host.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := c.host.Rename(tmp, final); err != nil {
		c.host.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	return nil
}
