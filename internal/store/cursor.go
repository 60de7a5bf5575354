package store

import (
	"errors"
	"log/slog"

	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

var errBatchFull = errors.New("batch full")

// Batch is the result of one Advance.
type Batch struct {
	Records []model.RecordInfo
	Token   token.FindToken
	// Exhausted is set when Token covers every visible record.
	Exhausted bool
	// RemoteLag is the number of log bytes after Token.
	RemoteLag int64
}

// Advance returns up to limit records appended after tok, in LSN order, and
// the token that follows them. The same token always yields the same
// records while they exist, so callers may retry with it freely.
//
// Records are served from the journal when it still reaches back to tok,
// and by scanning segments otherwise. A token issued by another incarnation
// of the partition starts over from the beginning.
func (s *Store) Advance(tok token.FindToken, limit int) (Batch, error) {
	if s.closed.Load() {
		return Batch{}, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultMaxRecords
	}
	if !tok.IsUninitialized() && tok.Incarnation != s.incarnation {
		s.logger.Info("find token from another incarnation, restarting catch-up",
			slog.String("token", tok.String()))
		tok = token.Uninitialized()
	}

	upTo := s.ix.VisibleLSN()
	after := tok.LSN
	if after >= upTo {
		return Batch{Token: tok, Exhausted: true, RemoteLag: s.lag(tok)}, nil
	}

	kind := token.KindJournal
	infos, ok := s.journal.After(after, upTo, limit)
	if !ok || len(infos) == 0 {
		kind = token.KindSegment
		var err error
		infos, err = s.scan(tok, upTo, limit)
		if err != nil {
			return Batch{}, err
		}
	}
	if len(infos) == 0 {
		return Batch{Token: tok, Exhausted: true, RemoteLag: s.lag(tok)}, nil
	}

	last := infos[len(infos)-1]
	next := token.New(kind, s.incarnation, last.LSN, last.Location.Segment, last.Location.End())
	return Batch{
		Records:   infos,
		Token:     next,
		Exhausted: next.LSN >= upTo,
		RemoteLag: s.lag(next),
	}, nil
}

// scan reads records after tok from the segments. When the token's
// generation was compacted away the same position is rescanned from its
// start, skipping what the token already covers.
func (s *Store) scan(tok token.FindToken, upTo uint64, limit int) ([]model.RecordInfo, error) {
	t := s.log.Acquire()
	defer t.Release()

	var out []model.RecordInfo
	from := tok.Segment.Position
	for _, seg := range t.From(from) {
		start := int64(segment.FileHeaderSize)
		if !tok.IsUninitialized() && seg.Ref() == tok.Segment {
			start = tok.Offset
		}
		err := seg.Scan(start, func(_ model.Record, info model.RecordInfo) error {
			if info.LSN <= tok.LSN {
				return nil
			}
			if info.LSN > upTo || len(out) >= limit {
				return errBatchFull
			}
			out = append(out, info)
			return nil
		})
		if errors.Is(err, errBatchFull) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lag returns the bytes of log after tok.
func (s *Store) lag(tok token.FindToken) int64 {
	t := s.log.Acquire()
	defer t.Release()

	var n int64
	for _, seg := range t.From(tok.Segment.Position) {
		if !tok.IsUninitialized() && seg.Ref() == tok.Segment {
			n += max(seg.Size()-tok.Offset, 0)
			continue
		}
		n += seg.DataSize()
	}
	return n
}
