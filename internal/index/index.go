package index

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/hupe1980/shardblob/model"
)

// ErrNotFound is returned when a key has no visible version.
var ErrNotFound = errors.New("key not found")

// version is one record of a key. Versions form an immutable list, newest
// first; relocation and pruning publish a rebuilt list.
type version struct {
	info model.RecordInfo
	next *version
}

type chain struct {
	head atomic.Pointer[version]
}

// Entry is the resolved state of a key at some LSN.
type Entry struct {
	Key   string
	State model.Liveness

	// Put is the PUT the key resolves to. Zero when the key has no PUT.
	Put model.RecordInfo
	// ExpiresAt is the effective expiration: the latest TTL update after
	// the PUT, or the PUT's own.
	ExpiresAt int64
	// TTLUpdate is the TTL update that set ExpiresAt, if any.
	TTLUpdate *model.RecordInfo
	// Delete is the tombstone when State is Deleted.
	Delete *model.RecordInfo
	// Latest is the newest visible record of the key.
	Latest model.RecordInfo
	// Versions lists every visible record of the key, newest first.
	Versions []model.RecordInfo
}

// HasPut reports whether the key resolves to a PUT record.
func (e Entry) HasPut() bool { return e.Put.Kind == model.KindPut }

// Index maps keys to their record history.
//
// Writers are serialized. Readers never block: they capture the visible LSN
// and ignore newer versions, so a reader never observes a partially applied
// insert.
type Index struct {
	keys    *skipmap.OrderedMap[string, *chain]
	mu      sync.Mutex // serializes writers
	visible atomic.Uint64
	now     func() time.Time
}

// New creates an empty index. now supplies the clock used for expiry.
func New(now func() time.Time) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{keys: skipmap.New[string, *chain](), now: now}
}

// Insert records info as the newest version of its key and makes it visible.
// Inserts must arrive in LSN order.
func (ix *Index) Insert(info model.RecordInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(info)
	if info.LSN > ix.visible.Load() {
		ix.visible.Store(info.LSN)
	}
}

// Load inserts a batch restored from a snapshot or replay. Versions are
// placed by LSN, so batches may arrive in any order.
func (ix *Index) Load(infos []model.RecordInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	maxLSN := ix.visible.Load()
	for _, info := range infos {
		ix.insertLocked(info)
		maxLSN = max(maxLSN, info.LSN)
	}
	ix.visible.Store(maxLSN)
}

func (ix *Index) insertLocked(info model.RecordInfo) {
	c, _ := ix.keys.LoadOrStore(info.Key, &chain{})
	head := c.head.Load()
	if head == nil || head.info.LSN < info.LSN {
		c.head.Store(&version{info: info, next: head})
		return
	}
	// Out of order: rebuild with info in place.
	vs := collect(head)
	i, found := slices.BinarySearchFunc(vs, info.LSN, func(v model.RecordInfo, lsn uint64) int {
		switch {
		case v.LSN > lsn:
			return -1
		case v.LSN < lsn:
			return 1
		default:
			return 0
		}
	})
	if found {
		vs[i] = info
	} else {
		vs = slices.Insert(vs, i, info)
	}
	c.head.Store(build(vs))
}

func collect(head *version) []model.RecordInfo {
	var vs []model.RecordInfo
	for v := head; v != nil; v = v.next {
		vs = append(vs, v.info)
	}
	return vs
}

func build(vs []model.RecordInfo) *version {
	var head *version
	for i := len(vs) - 1; i >= 0; i-- {
		head = &version{info: vs[i], next: head}
	}
	return head
}

// VisibleLSN returns the LSN of the newest visible insert.
func (ix *Index) VisibleLSN() uint64 { return ix.visible.Load() }

// Find resolves key at the current visible LSN.
func (ix *Index) Find(key string) (Entry, error) {
	return ix.FindAt(key, ix.visible.Load())
}

// FindAt resolves key considering only versions with LSN <= lsn.
func (ix *Index) FindAt(key string, lsn uint64) (Entry, error) {
	c, ok := ix.keys.Load(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	var vs []model.RecordInfo
	for v := c.head.Load(); v != nil; v = v.next {
		if v.info.LSN <= lsn {
			vs = append(vs, v.info)
		}
	}
	if len(vs) == 0 {
		return Entry{}, ErrNotFound
	}
	return Resolve(key, vs, ix.now()), nil
}

// Resolve derives the state of a key from its versions, newest first.
//
// A DELETE is terminal. Otherwise the newest PUT decides, with its
// expiration replaced by the newest TTL update that follows it. A key
// without a PUT resolves Absent.
func Resolve(key string, versions []model.RecordInfo, now time.Time) Entry {
	e := Entry{Key: key, Latest: versions[0], Versions: versions}
	var ttl *model.RecordInfo
	for i := range versions {
		v := &versions[i]
		switch v.Kind {
		case model.KindDelete:
			if e.Delete == nil {
				e.Delete = v
			}
		case model.KindTTLUpdate:
			if ttl == nil && !e.HasPut() {
				ttl = v
			}
		case model.KindPut:
			if !e.HasPut() {
				e.Put = *v
			}
		}
	}

	if e.HasPut() {
		e.ExpiresAt = e.Put.ExpiresAt
		if ttl != nil {
			e.TTLUpdate = ttl
			e.ExpiresAt = ttl.ExpiresAt
		}
	}
	switch {
	case e.Delete != nil:
		e.State = model.Deleted
	case !e.HasPut():
		e.State = model.Absent
	case model.IsExpired(e.ExpiresAt, now):
		e.State = model.Expired
	default:
		e.State = model.Live
	}
	return e
}

// Snapshot pins the current visible LSN for consistent multi-key reads.
func (ix *Index) Snapshot() Snapshot {
	return Snapshot{ix: ix, lsn: ix.visible.Load()}
}

// Snapshot is a point-in-time view of the index.
type Snapshot struct {
	ix  *Index
	lsn uint64
}

// LSN returns the pinned LSN.
func (s Snapshot) LSN() uint64 { return s.lsn }

// Find resolves key as of the snapshot.
func (s Snapshot) Find(key string) (Entry, error) { return s.ix.FindAt(key, s.lsn) }

// Relocate points the versions of moved records at their new locations.
// Records are matched by key and LSN; LSNs never change.
func (ix *Index) Relocate(moved []model.RecordInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	byKey := groupByKey(moved)
	for key, infos := range byKey {
		c, ok := ix.keys.Load(key)
		if !ok {
			continue
		}
		vs := collect(c.head.Load())
		changed := false
		for i := range vs {
			for _, m := range infos {
				if vs[i].LSN == m.LSN {
					vs[i].Location = m.Location
					changed = true
				}
			}
		}
		if changed {
			c.head.Store(build(vs))
		}
	}
}

// Prune removes the versions of records compaction dropped from segment
// ref. Keys left without versions are removed from the index.
func (ix *Index) Prune(ref model.SegmentRef, dropped []model.RecordInfo) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	removedKeys := 0
	for key, infos := range groupByKey(dropped) {
		c, ok := ix.keys.Load(key)
		if !ok {
			continue
		}
		vs := slices.DeleteFunc(collect(c.head.Load()), func(v model.RecordInfo) bool {
			if v.Location.Segment != ref {
				return false
			}
			for _, d := range infos {
				if d.LSN == v.LSN {
					return true
				}
			}
			return false
		})
		if len(vs) == 0 {
			ix.keys.Delete(key)
			removedKeys++
			continue
		}
		c.head.Store(build(vs))
	}
	return removedKeys
}

func groupByKey(infos []model.RecordInfo) map[string][]model.RecordInfo {
	out := make(map[string][]model.RecordInfo)
	for _, info := range infos {
		out[info.Key] = append(out[info.Key], info)
	}
	return out
}

// Keys returns the number of indexed keys.
func (ix *Index) Keys() int { return ix.keys.Len() }

// Range calls fn for every key in order with its resolved entry at the
// current visible LSN. Iteration stops when fn returns false.
func (ix *Index) Range(fn func(e Entry) bool) {
	lsn := ix.visible.Load()
	now := ix.now()
	ix.keys.Range(func(key string, c *chain) bool {
		var vs []model.RecordInfo
		for v := c.head.Load(); v != nil; v = v.next {
			if v.info.LSN <= lsn {
				vs = append(vs, v.info)
			}
		}
		if len(vs) == 0 {
			return true
		}
		return fn(Resolve(key, vs, now))
	})
}

// SegmentUsage is the live data estimate of one segment.
type SegmentUsage struct {
	Records   int
	LiveBytes int64
}

// Usage estimates, per segment, the bytes still needed to resolve live
// keys: the resolved PUT and effective TTL update of every live key plus
// every tombstone.
func (ix *Index) Usage() map[model.SegmentRef]SegmentUsage {
	out := make(map[model.SegmentRef]SegmentUsage)
	ix.Range(func(e Entry) bool {
		for _, v := range e.Versions {
			u := out[v.Location.Segment]
			u.Records++
			out[v.Location.Segment] = u
		}
		add := func(info model.RecordInfo) {
			u := out[info.Location.Segment]
			u.LiveBytes += int64(info.Location.Length)
			out[info.Location.Segment] = u
		}
		switch e.State {
		case model.Live:
			add(e.Put)
			if e.TTLUpdate != nil {
				add(*e.TTLUpdate)
			}
		case model.Deleted:
			add(*e.Delete)
		}
		return true
	})
	return out
}
