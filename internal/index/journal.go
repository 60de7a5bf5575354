package index

import (
	"sort"
	"sync"

	"github.com/hupe1980/shardblob/model"
)

// DefaultJournalSize is the default number of recent inserts retained.
const DefaultJournalSize = 4096

// Journal is a bounded ring of the most recent inserts in LSN order. It
// serves catch-up requests for recent positions without touching the log.
type Journal struct {
	mu    sync.RWMutex
	buf   []model.RecordInfo
	start int // index of the oldest entry
	n     int
}

// NewJournal creates a journal retaining up to size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{buf: make([]model.RecordInfo, size)}
}

// Add appends info. LSNs must be increasing.
func (j *Journal) Add(info model.RecordInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.n > 0 && info.LSN <= j.at(j.n-1).LSN {
		return
	}
	if j.n < len(j.buf) {
		j.buf[(j.start+j.n)%len(j.buf)] = info
		j.n++
		return
	}
	j.buf[j.start] = info
	j.start = (j.start + 1) % len(j.buf)
}

func (j *Journal) at(i int) model.RecordInfo {
	return j.buf[(j.start+i)%len(j.buf)]
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.n
}

// FirstLSN returns the oldest retained LSN, or 0 when empty.
func (j *Journal) FirstLSN() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.n == 0 {
		return 0
	}
	return j.at(0).LSN
}

// LastLSN returns the newest retained LSN, or 0 when empty.
func (j *Journal) LastLSN() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.n == 0 {
		return 0
	}
	return j.at(j.n - 1).LSN
}

// After returns up to limit entries with after < LSN <= upTo. ok is false
// when entries just after the position may already have been evicted, in
// which case the caller has to scan the log instead.
func (j *Journal) After(after, upTo uint64, limit int) (infos []model.RecordInfo, ok bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.n == 0 {
		return nil, false
	}
	if after+1 < j.at(0).LSN {
		return nil, false
	}
	i := sort.Search(j.n, func(i int) bool { return j.at(i).LSN > after })
	for ; i < j.n && len(infos) < limit; i++ {
		info := j.at(i)
		if info.LSN > upTo {
			break
		}
		infos = append(infos, info)
	}
	return infos, true
}
