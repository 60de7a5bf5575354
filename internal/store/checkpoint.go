package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/manifest"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/model"
)

// Checkpoint writes an index snapshot for every sealed segment that has
// none yet and saves a manifest listing them. A restart then only replays
// the segments after the checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.checkpoint(ctx)
}

func (s *Store) checkpoint(ctx context.Context) error {
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	t := s.log.Acquire()
	defer t.Release()

	m := s.manifest.Clone()
	segs := t.From(0)
	present := make(map[uint32]bool, len(segs))
	written := 0
	for _, seg := range segs {
		present[seg.Ref().Position] = true
		if seg.State() == segment.StateActive {
			m.ActivePosition = seg.Ref().Position
			continue
		}
		if st := seg.State(); st == segment.StateCompactionCandidate || st == segment.StateReclaimed {
			// Replace records the outcome.
			continue
		}
		if info, ok := m.Lookup(seg.Ref().Position); ok && !info.Ref().Less(seg.Ref()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var infos []model.RecordInfo
		err := seg.Scan(segment.FileHeaderSize, func(_ model.Record, info model.RecordInfo) error {
			infos = append(infos, info)
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan segment %s: %w", seg.Ref(), err)
		}
		info, err := s.writeSnapshot(ctx, seg, infos)
		if err != nil {
			return err
		}
		setSegment(m, info)
		written++
	}
	m.Segments = slices.DeleteFunc(m.Segments, func(info manifest.SegmentInfo) bool {
		return !present[info.Position]
	})

	if written == 0 && m.ActivePosition == s.manifest.ActivePosition && len(m.Segments) == len(s.manifest.Segments) {
		return nil
	}
	if err := s.saveManifestLocked(ctx, m); err != nil {
		return err
	}
	s.logger.Debug("checkpoint saved",
		slog.Uint64("manifest", s.manifest.ID),
		slog.Int("snapshots", written),
		slog.Uint64("flushed_lsn", s.manifest.FlushedLSN))
	return nil
}

// Replace records a finished compaction in the checkpoint before it is
// published: the output's snapshot replaces the source's entry, or the
// entry goes away when nothing survived.
func (s *Store) Replace(ctx context.Context, old model.SegmentRef, out *segment.Segment, infos []model.RecordInfo) error {
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	m := s.manifest.Clone()
	prev, hadPrev := m.Lookup(old.Position)
	if out != nil {
		info, err := s.writeSnapshot(ctx, out, infos)
		if err != nil {
			return err
		}
		setSegment(m, info)
	} else {
		m.Segments = slices.DeleteFunc(m.Segments, func(info manifest.SegmentInfo) bool {
			return info.Position == old.Position
		})
	}

	if err := s.saveManifestLocked(ctx, m); err != nil {
		return err
	}
	if hadPrev && prev.IndexPath != manifest.IndexPath(old.Compacted()) {
		if err := s.manifests.Blobs().Delete(ctx, prev.IndexPath); err != nil {
			s.logger.Warn("delete superseded snapshot", slog.String("blob", prev.IndexPath), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Store) writeSnapshot(ctx context.Context, seg *segment.Segment, infos []model.RecordInfo) (manifest.SegmentInfo, error) {
	data, err := index.EncodeSnapshot(infos, s.opts.codec)
	if err != nil {
		return manifest.SegmentInfo{}, fmt.Errorf("encode snapshot %s: %w", seg.Ref(), err)
	}
	name := manifest.IndexPath(seg.Ref())
	if err := s.manifests.Blobs().Put(ctx, name, data); err != nil {
		return manifest.SegmentInfo{}, fmt.Errorf("write snapshot %s: %w", seg.Ref(), err)
	}
	info := manifest.SegmentInfo{
		Position:   seg.Ref().Position,
		Generation: seg.Ref().Generation,
		Size:       seg.Size(),
		Records:    uint32(len(infos)),
		IndexPath:  name,
	}
	for _, ri := range infos {
		info.MaxLSN = max(info.MaxLSN, ri.LSN)
	}
	return info, nil
}

// setSegment inserts or replaces the entry for info's position, keeping
// entries in position order.
func setSegment(m *manifest.Manifest, info manifest.SegmentInfo) {
	i, found := slices.BinarySearchFunc(m.Segments, info.Position, func(e manifest.SegmentInfo, pos uint32) int {
		switch {
		case e.Position < pos:
			return -1
		case e.Position > pos:
			return 1
		default:
			return 0
		}
	})
	if found {
		m.Segments[i] = info
		return
	}
	m.Segments = slices.Insert(m.Segments, i, info)
}

// saveManifestLocked persists m, makes it current and prunes old versions.
// The caller holds ckptMu or has exclusive access.
func (s *Store) saveManifestLocked(ctx context.Context, m *manifest.Manifest) error {
	m.FlushedLSN = 0
	for _, info := range m.Segments {
		m.FlushedLSN = max(m.FlushedLSN, info.MaxLSN)
	}
	m.LastLSN = max(m.LastLSN, s.manifest.LastLSN, m.FlushedLSN, s.log.LastLSN())
	if err := s.manifests.Save(ctx, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	s.manifest = m
	if keep := uint64(s.opts.keepManifests); keep > 0 && m.ID > keep {
		if _, err := s.manifests.Prune(ctx, m.ID-keep+1); err != nil {
			s.logger.Warn("prune manifests", slog.Any("error", err))
		}
	}
	return nil
}
