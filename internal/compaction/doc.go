// Package compaction reclaims log space of a partition.
//
// A Policy picks sealed segments with little live data. The Planner scans a
// segment and builds a roaring keep-set of the records still needed to
// resolve their keys. The Compactor copies the keep-set into the next
// generation of the same log position, verifies it, lets the Checkpointer
// persist the new index snapshot and manifest, and then publishes:
//
//  1. the new generation joins the segment table,
//  2. index versions move to their new locations, dropped ones are pruned,
//  3. the old generation leaves the table and is deleted once the last
//     reader releases it.
//
// Any failure before step 1 leaves the source untouched and returns
// ErrCompactionAbortedSafely.
package compaction
