package replication

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

// LoopbackClient is a PeerClient calling Handlers in the same process by
// host name. Requests and responses go through the wire encoding.
type LoopbackClient map[string]*Handler

func (c LoopbackClient) handler(host string) (*Handler, error) {
	h, ok := c[host]
	if !ok {
		return nil, fmt.Errorf("unknown peer %q", host)
	}
	return h, nil
}

func (c LoopbackClient) ReplicaMetadata(ctx context.Context, host string, req *Request) (*Response, error) {
	h, err := c.handler(host)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := req.WriteTo(&buf); err != nil {
		return nil, err
	}
	decoded, err := ReadRequest(&buf, clustermap.PartitionReader{}, token.Factory{})
	if err != nil {
		return nil, err
	}
	resp, err := h.Handle(ctx, decoded)
	if err != nil {
		return nil, err
	}
	buf.Reset()
	if _, err := resp.WriteTo(&buf); err != nil {
		return nil, err
	}
	return ReadResponse(&buf, clustermap.PartitionReader{}, token.Factory{})
}

func (c LoopbackClient) FetchRecord(ctx context.Context, host string, partition clustermap.PartitionID, key string) (model.Record, error) {
	h, err := c.handler(host)
	if err != nil {
		return model.Record{}, err
	}
	rec, err := h.FetchRecord(ctx, partition, key)
	if err != nil {
		return model.Record{}, err
	}
	rec.Payload = bytes.Clone(rec.Payload)
	return rec, nil
}
