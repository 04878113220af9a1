package ui

import (
	"fmt"

	"github.com/bamsammich/treedup/internal/stats"
)

// CompletionSummary builds the final report from a snapshot.
// Format: done ✓  scanned 1,204  copied 17 (2.1 MiB)  linked 3  removed 1  time 4s  avg 512 KB/s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	icon := "✓"
	if snap.Failures > 0 {
		icon = "✗"
	}

	s := fmt.Sprintf("done %s  scanned %s  copied %s (%s)",
		icon,
		FormatCount(snap.EntriesScanned),
		FormatCount(snap.FilesCopied),
		FormatBytes(snap.BytesCopied),
	)
	if snap.HardlinksCreated > 0 {
		s += "  linked " + FormatCount(snap.HardlinksCreated)
	}
	if n := snap.NodesCreated + snap.DirsCreated; n > 0 {
		s += "  created " + FormatCount(n)
	}
	if snap.EntriesUpdated > 0 {
		s += "  updated " + FormatCount(snap.EntriesUpdated)
	}
	if snap.EntriesRemoved > 0 {
		s += "  removed " + FormatCount(snap.EntriesRemoved)
	}
	if snap.WouldRemove > 0 {
		s += "  would remove " + FormatCount(snap.WouldRemove)
	}
	return s + fmt.Sprintf("  time %s  avg %s  errors %d",
		FormatDuration(snap.Elapsed), FormatRate(snap.Rate()), snap.Failures)
}
