package replication

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

// ErrUnavailable is returned by a Partition that cannot serve right now.
var ErrUnavailable = errors.New("partition unavailable")

// Batch is one cursor step of a partition.
type Batch struct {
	Records   []model.RecordInfo
	Token     token.FindToken
	Exhausted bool
	RemoteLag int64
}

// Partition is the store contract the protocol runs on.
type Partition interface {
	// Advance returns up to limit records after tok and the following token.
	Advance(tok token.FindToken, limit int) (Batch, error)
	// FetchRecord returns the PUT record key resolves to, payload included.
	// It fails with model.ErrBlobNotFound or model.ErrBlobDeletedOrExpired.
	FetchRecord(ctx context.Context, key string) (model.Record, error)
	// ApplyReplicated writes a record from a peer unless its effect is
	// already present, and reports whether it wrote.
	ApplyReplicated(ctx context.Context, rec model.Record) (bool, error)
}

// PartitionSource looks up the partitions served locally.
type PartitionSource interface {
	Partition(id clustermap.PartitionID) (Partition, bool)
}

// Handler answers metadata requests and payload fetches from peers.
type Handler struct {
	source PartitionSource
	opts   options
}

// NewHandler creates a handler serving the partitions of source.
func NewHandler(source PartitionSource, optFns ...Option) *Handler {
	return &Handler{source: source, opts: buildOptions(optFns)}
}

// Handle answers every unit of req. Problems with one unit are reported in
// that unit's status; the error return is reserved for ctx.
func (h *Handler) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	limit := h.opts.maxRecords
	if req.MaxRecords > 0 && int(req.MaxRecords) < limit {
		limit = int(req.MaxRecords)
	}

	resp := &Response{CorrelationID: req.CorrelationID, Units: make([]UnitResponse, 0, len(req.Units))}
	for _, u := range req.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp.Units = append(resp.Units, h.handleUnit(req.ClientID, u, limit))
	}
	h.opts.metrics.ObserveOperation("replica_metadata", time.Since(start), nil)
	return resp, nil
}

func (h *Handler) handleUnit(client string, u ReplicaMetadataRequestInfo, limit int) UnitResponse {
	out := UnitResponse{Partition: u.Partition, Token: u.Token}
	p, ok := h.source.Partition(u.Partition)
	if !ok {
		out.Status = StatusUnknownPartition
		return out
	}
	b, err := p.Advance(u.Token, limit)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		out.Status = StatusUnavailable
		return out
	default:
		h.opts.logger.Error("advance failed",
			slog.String("client", client),
			slog.String("unit", u.String()),
			slog.Any("error", err))
		out.Status = StatusInternalError
		return out
	}

	out.Token = b.Token
	out.Records = make([]model.RecordInfo, len(b.Records))
	for i, info := range b.Records {
		info.Location = model.Location{}
		out.Records[i] = info
	}
	out.Exhausted = b.Exhausted
	out.RemoteLag = b.RemoteLag
	return out
}

// FetchRecord returns the current PUT record of key in partition.
func (h *Handler) FetchRecord(ctx context.Context, partition clustermap.PartitionID, key string) (model.Record, error) {
	p, ok := h.source.Partition(partition)
	if !ok {
		return model.Record{}, model.ErrUnknownPartition
	}
	return p.FetchRecord(ctx, key)
}
