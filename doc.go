// Package shardblob is a partitioned, replicated blob store for large
// immutable objects.
//
// Each partition is an append-only log of segment files with an in-memory
// key index over it. Blobs are written once under a caller-chosen key, may
// carry an expiration, and are removed with a tombstone. Sealed segments are
// compacted in the background to reclaim the space of deleted and expired
// blobs. Replicas of a partition converge by pulling each other's logs with
// resumable find tokens (see package replication).
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := shardblob.Open(ctx, "./data", []clustermap.PartitionID{1, 2})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	key := shardblob.NewBlobID()
//	_, err = db.Put(ctx, 1, key, payload, time.Now().Add(24*time.Hour))
//
//	blob, err := db.Get(ctx, 1, key)
//
// # Keys
//
// Keys are write-once. Putting a key that already has a record, including
// a deleted one, fails with ErrAlreadyExists. Use NewBlobID for unique,
// time-ordered keys.
//
// # Errors
//
// Lookups fail with ErrNotFound for keys the partition never saw and with
// ErrDeletedOrExpired for keys that are gone. A partition whose log hit an
// I/O failure turns read-only and rejects writes with ErrReadOnly.
//
// # Durability
//
// With DurabilitySync (the default) Put returns after the record is synced.
// DurabilityAsync returns once the record is written and relies on
// recovery to drop a torn tail after a crash.
//
// # Replication
//
// DB implements replication.PartitionSource. Mount a replication.Handler
// over it to serve peers, and run a replication.Replicator to pull from
// them:
//
//	h := replication.NewHandler(db)
//	httptransport.NewServer(h, logger.Logger).Mount(router)
//
//	r := replication.NewReplicator(self, db, httptransport.NewClient())
//	r.TrackMap(clusterMap)
//	go r.Run(ctx)
package shardblob
