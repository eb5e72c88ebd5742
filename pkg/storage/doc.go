// Package storage persists coordination state in an embedded BoltDB
// database.
//
// # Overview
//
// Three buckets back the coordination layer:
//
//   - nodes: last known registration and metrics per node, keyed by id
//   - decisions: routing decisions, keyed by timestamp + task id so a
//     scan replays them chronologically
//   - bottlenecks: detected bottlenecks, keyed by id, including their
//     resolution markers
//
// All values are JSON. The Store interface keeps the rest of the system
// ignorant of the backend; callers treat persistence as best-effort and
// must stay functional when no store is configured.
//
// # Usage
//
//	store, err := storage.NewBoltStore("/var/lib/loom")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	if err := store.SaveNode(node); err != nil {
//		log.Warn().Err(err).Msg("node not persisted")
//	}
//
// BoltDB takes an exclusive file lock, so exactly one process may own
// the database at a time.
package storage
