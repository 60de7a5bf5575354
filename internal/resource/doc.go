// Package resource implements the node-wide Controller that governs
// background work.
//
//   - Background slots: a weighted semaphore shared by every partition's
//     compaction and checkpoint loops, so a node never runs more than
//     MaxBackgroundWorkers of them at once.
//   - IO budget: a token bucket limiting compaction copy throughput so
//     foreground appends and reads keep their disk bandwidth.
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 2,
//	    IOLimitBytesPerSec:   64 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
//	if err := rc.AcquireIO(ctx, len(record)); err != nil {
//	    return err
//	}
//
// All methods are safe on a nil *Controller, which imposes no limits.
package resource
