package shardblob

import (
	"context"
	"errors"

	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/token"
)

// partition adapts a store to the replication handler.
type partition struct {
	st *store.Store
}

func unavailable(err error) error {
	if errors.Is(err, store.ErrClosed) {
		return errors.Join(replication.ErrUnavailable, err)
	}
	return err
}

func (p partition) Advance(tok token.FindToken, limit int) (replication.Batch, error) {
	b, err := p.st.Advance(tok, limit)
	if err != nil {
		return replication.Batch{}, unavailable(err)
	}
	return replication.Batch{
		Records:   b.Records,
		Token:     b.Token,
		Exhausted: b.Exhausted,
		RemoteLag: b.RemoteLag,
	}, nil
}

func (p partition) FetchRecord(ctx context.Context, key string) (model.Record, error) {
	rec, err := p.st.FetchRecord(ctx, key)
	return rec, unavailable(err)
}

func (p partition) ApplyReplicated(ctx context.Context, rec model.Record) (bool, error) {
	ok, err := p.st.ApplyReplicated(ctx, rec)
	return ok, unavailable(err)
}
