package engine

import (
	"log/slog"

	"github.com/bamsammich/treedup/internal/transport"
)

// tmpRegistry tracks temporary destination files that are still being
// written, so an aborted run can clean them up.
type tmpRegistry struct {
	host  transport.Host
	paths map[string]struct{}
}

func newTmpRegistry(host transport.Host) *tmpRegistry {
	return &tmpRegistry{host: host, paths: make(map[string]struct{})}
}

func (r *tmpRegistry) register(path string) { r.paths[path] = struct{}{} }

func (r *tmpRegistry) deregister(path string) { delete(r.paths, path) }

// cleanup removes every registered temporary file.
func (r *tmpRegistry) cleanup() {
	for p := range r.paths {
		if err := r.host.Remove(p); err != nil && !transport.IsNotExist(err) {
			slog.Debug("leaving temporary file", "path", p, "error", err)
		}
	}
	clear(r.paths)
}
