package engine

import (
	"sort"
	"strings"

	"github.com/corentel/difysync/internal/metastore"
)

// Diff computes the changeset between a fresh remote snapshot and the
// store's current records. Pure computation: no I/O, no store writes.
//
// Classification rules:
//   - snapshot entry with no record, or a record that never completed an
//     ingestion (empty last_synced_fingerprint) -> added
//   - snapshot entry whose fingerprint differs from the last synced one, or
//     whose record is pending/failed -> modified (failed files are retried
//     every cycle until they succeed or disappear remotely)
//   - record absent from the snapshot -> removed
//
// Each sequence is ordered by ascending path depth, then lexicographically,
// so per-cycle logs are deterministic and human-traceable.
func Diff(snapshot []SnapshotEntry, records []metastore.FileRecord) ChangeSet {
	recordsByID := make(map[string]metastore.FileRecord, len(records))
	for _, rec := range records {
		recordsByID[rec.RemoteID] = rec
	}

	seen := make(map[string]bool, len(snapshot))
	pathsByID := make(map[string]string, len(snapshot)+len(records))

	var cs ChangeSet
	for _, entry := range snapshot {
		seen[entry.RemoteID] = true
		pathsByID[entry.RemoteID] = entry.Path

		rec, tracked := recordsByID[entry.RemoteID]
		switch {
		case !tracked || rec.LastSyncedFingerprint == "":
			cs.Added = append(cs.Added, entry.RemoteID)
		case entry.Fingerprint != rec.LastSyncedFingerprint || rec.Status != metastore.StatusSynced:
			cs.Modified = append(cs.Modified, entry.RemoteID)
		}
	}

	for _, rec := range records {
		if !seen[rec.RemoteID] {
			pathsByID[rec.RemoteID] = rec.Path
			cs.Removed = append(cs.Removed, rec.RemoteID)
		}
	}

	sortByPath(cs.Added, pathsByID)
	sortByPath(cs.Modified, pathsByID)
	sortByPath(cs.Removed, pathsByID)
	return cs
}

// sortByPath orders IDs by path depth first, then lexicographically by path.
func sortByPath(ids []string, pathsByID map[string]string) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := pathsByID[ids[i]], pathsByID[ids[j]]
		di, dj := strings.Count(pi, "/"), strings.Count(pj, "/")
		if di != dj {
			return di < dj
		}
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
}
