package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

// PeerClient reaches the Handler of a peer host.
type PeerClient interface {
	ReplicaMetadata(ctx context.Context, host string, req *Request) (*Response, error)
	FetchRecord(ctx context.Context, host string, partition clustermap.PartitionID, key string) (model.Record, error)
}

// unit is the catch-up state of one local partition against one peer.
type unit struct {
	partition clustermap.PartitionID
	localPath string
	token     token.FindToken
	lag       int64
}

type peer struct {
	host string
	// mu serializes rounds against this peer and guards units.
	mu    sync.Mutex
	units []*unit
}

// Replicator pulls records from peer replicas into local partitions.
type Replicator struct {
	host   string
	source PartitionSource
	client PeerClient
	opts   options

	applied prometheus.Counter
	nextID  atomic.Uint32

	mu    sync.Mutex
	peers map[string]*peer
}

// NewReplicator creates a replicator for the node host. Partitions to
// replicate are added with Track.
func NewReplicator(host string, source PartitionSource, client PeerClient, optFns ...Option) *Replicator {
	opts := buildOptions(optFns)
	return &Replicator{
		host:    host,
		source:  source,
		client:  client,
		opts:    opts,
		applied: opts.metrics.Counter(metrics.CatchUpRecords, ""),
		peers:   make(map[string]*peer),
	}
}

// Track makes the replicator pull partition p from remote into the local
// replica. Tracking the same pair twice has no effect.
func (r *Replicator) Track(p clustermap.PartitionID, local, remote clustermap.Replica) {
	r.mu.Lock()
	pe, ok := r.peers[remote.Host]
	if !ok {
		pe = &peer{host: remote.Host}
		r.peers[remote.Host] = pe
	}
	r.mu.Unlock()

	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, u := range pe.units {
		if u.partition == p {
			return
		}
	}
	pe.units = append(pe.units, &unit{partition: p, localPath: local.Path})
}

// TrackMap tracks every partition the map places on this node against each
// of its other replicas.
func (r *Replicator) TrackMap(m clustermap.Map) int {
	n := 0
	for _, p := range m.LocalPartitions(r.host) {
		replicas := m.Replicas(p)
		i := slices.IndexFunc(replicas, func(rep clustermap.Replica) bool { return rep.Host == r.host })
		if i < 0 {
			continue
		}
		for _, rep := range replicas {
			if rep.Host == r.host {
				continue
			}
			r.Track(p, replicas[i], rep)
			n++
		}
	}
	return n
}

// Peers returns the tracked peer hosts in sorted order.
func (r *Replicator) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.peers))
	for h := range r.peers {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// Token returns the token held for partition p against peer host.
func (r *Replicator) Token(p clustermap.PartitionID, host string) (token.FindToken, bool) {
	pe := r.peer(host)
	if pe == nil {
		return token.FindToken{}, false
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, u := range pe.units {
		if u.partition == p {
			return u.token, true
		}
	}
	return token.FindToken{}, false
}

// Lag returns the bytes peer host reported it holds after our token for p.
func (r *Replicator) Lag(p clustermap.PartitionID, host string) int64 {
	pe := r.peer(host)
	if pe == nil {
		return 0
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, u := range pe.units {
		if u.partition == p {
			return u.lag
		}
	}
	return 0
}

func (r *Replicator) peer(host string) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[host]
}

// CatchUp pulls from host until every tracked partition is exhausted and
// returns the number of records applied. A failed round leaves the tokens
// where they were, so the next round retries the same records.
func (r *Replicator) CatchUp(ctx context.Context, host string) (applied int, err error) {
	pe := r.peer(host)
	if pe == nil {
		return 0, fmt.Errorf("no partitions tracked for peer %s", host)
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()

	start := time.Now()
	defer func() {
		r.opts.metrics.ObserveOperation("catch_up", time.Since(start), err)
	}()

	pending := slices.Clone(pe.units)
	for len(pending) > 0 {
		req := &Request{
			CorrelationID: r.nextID.Add(1),
			ClientID:      r.host,
			MaxRecords:    uint32(r.opts.maxRecords),
			Units:         make([]ReplicaMetadataRequestInfo, len(pending)),
		}
		for i, u := range pending {
			req.Units[i] = ReplicaMetadataRequestInfo{
				Partition:   u.partition,
				Token:       u.token,
				Host:        r.host,
				ReplicaPath: u.localPath,
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
		resp, err := r.client.ReplicaMetadata(callCtx, host, req)
		cancel()
		if err != nil {
			return applied, fmt.Errorf("replica metadata from %s: %w", host, err)
		}
		if resp.CorrelationID != req.CorrelationID || len(resp.Units) != len(req.Units) {
			return applied, fmt.Errorf("%w: response does not match request %d", ErrMalformed, req.CorrelationID)
		}

		var next []*unit
		for i, ur := range resp.Units {
			u := pending[i]
			if ur.Status != StatusOK {
				r.opts.logger.Warn("peer cannot serve partition",
					slog.String("peer", host),
					slog.String("partition", u.partition.String()),
					slog.String("status", ur.Status.String()))
				continue
			}
			n, err := r.apply(ctx, host, u.partition, ur.Records)
			applied += n
			if err != nil {
				return applied, err
			}
			u.token = ur.Token
			u.lag = ur.RemoteLag
			if !ur.Exhausted && len(ur.Records) > 0 {
				next = append(next, u)
			}
		}
		pending = next
	}
	if applied > 0 {
		r.opts.logger.Debug("caught up", slog.String("peer", host), slog.Int("records", applied))
	}
	return applied, nil
}

// apply writes records into partition p, fetching PUT payloads from host.
func (r *Replicator) apply(ctx context.Context, host string, p clustermap.PartitionID, records []model.RecordInfo) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	part, ok := r.source.Partition(p)
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrUnknownPartition, p)
	}
	n := 0
	for _, info := range records {
		rec := model.Record{Kind: info.Kind, Key: info.Key, CreatedAt: info.CreatedAt, ExpiresAt: info.ExpiresAt}
		if info.Kind == model.KindPut {
			fetchCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
			full, err := r.client.FetchRecord(fetchCtx, host, p, info.Key)
			cancel()
			switch {
			case errors.Is(err, model.ErrBlobDeletedOrExpired), errors.Is(err, model.ErrBlobNotFound):
				// The tombstone follows in the cursor, or compaction dropped the key.
				continue
			case err != nil:
				return n, fmt.Errorf("fetch %q from %s: %w", info.Key, host, err)
			}
			rec = full
		}
		ok, err := part.ApplyReplicated(ctx, rec)
		if err != nil {
			return n, fmt.Errorf("apply %s %q: %w", rec.Kind, rec.Key, err)
		}
		if ok {
			n++
			r.applied.Inc()
		}
	}
	return n, nil
}

// Run pulls from every tracked peer each interval until ctx is done.
func (r *Replicator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.interval)
	defer ticker.Stop()
	for {
		r.round(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Replicator) round(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.concurrency)
	for _, host := range r.Peers() {
		g.Go(func() error {
			if _, err := r.CatchUp(gctx, host); err != nil && gctx.Err() == nil {
				r.opts.logger.Warn("catch-up failed", slog.String("peer", host), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
