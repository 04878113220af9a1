package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector counts the operations of one run. Counters are atomic so a
// presenter may read them while the engine runs.
type Collector struct {
	entriesScanned   atomic.Int64
	filesCopied      atomic.Int64
	bytesCopied      atomic.Int64
	hardlinksCreated atomic.Int64
	nodesCreated     atomic.Int64
	dirsCreated      atomic.Int64
	entriesUpdated   atomic.Int64
	entriesRemoved   atomic.Int64
	wouldRemove      atomic.Int64
	entriesSkipped   atomic.Int64
	failures         atomic.Int64
	startTime        time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	EntriesScanned   int64
	FilesCopied      int64
	BytesCopied      int64
	HardlinksCreated int64
	NodesCreated     int64
	DirsCreated      int64
	EntriesUpdated   int64
	EntriesRemoved   int64
	WouldRemove      int64
	EntriesSkipped   int64
	Failures         int64
	Elapsed          time.Duration
}

func (c *Collector) AddEntriesScanned(n int64)   { c.entriesScanned.Add(n) }
func (c *Collector) AddFilesCopied(n int64)      { c.filesCopied.Add(n) }
func (c *Collector) AddBytesCopied(n int64)      { c.bytesCopied.Add(n) }
func (c *Collector) AddHardlinksCreated(n int64) { c.hardlinksCreated.Add(n) }
func (c *Collector) AddNodesCreated(n int64)     { c.nodesCreated.Add(n) }
func (c *Collector) AddDirsCreated(n int64)      { c.dirsCreated.Add(n) }
func (c *Collector) AddEntriesUpdated(n int64)   { c.entriesUpdated.Add(n) }
func (c *Collector) AddEntriesRemoved(n int64)   { c.entriesRemoved.Add(n) }
func (c *Collector) AddWouldRemove(n int64)      { c.wouldRemove.Add(n) }
func (c *Collector) AddEntriesSkipped(n int64)   { c.entriesSkipped.Add(n) }
func (c *Collector) AddFailures(n int64)         { c.failures.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EntriesScanned:   c.entriesScanned.Load(),
		FilesCopied:      c.filesCopied.Load(),
		BytesCopied:      c.bytesCopied.Load(),
		HardlinksCreated: c.hardlinksCreated.Load(),
		NodesCreated:     c.nodesCreated.Load(),
		DirsCreated:      c.dirsCreated.Load(),
		EntriesUpdated:   c.entriesUpdated.Load(),
		EntriesRemoved:   c.entriesRemoved.Load(),
		WouldRemove:      c.wouldRemove.Load(),
		EntriesSkipped:   c.entriesSkipped.Load(),
		Failures:         c.failures.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// Changes returns the number of operations that modified the destination.
func (s Snapshot) Changes() int64 {
	return s.FilesCopied + s.HardlinksCreated + s.NodesCreated + s.DirsCreated +
		s.EntriesUpdated + s.EntriesRemoved
}

// Rate returns the average copy throughput in bytes per second.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesCopied) / s.Elapsed.Seconds()
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d copied=%d bytes=%d links=%d nodes=%d dirs=%d updated=%d removed=%d would-remove=%d skipped=%d failed=%d",
		s.EntriesScanned, s.FilesCopied, s.BytesCopied, s.HardlinksCreated, s.NodesCreated,
		s.DirsCreated, s.EntriesUpdated, s.EntriesRemoved, s.WouldRemove, s.EntriesSkipped, s.Failures,
	)
}
